package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/concord-run/runner/logger"
)

const stderrFd = 2

var (
	ErrFileNotOpen = errors.New("file not open, or the process that opened it can't be found")
	numeric        = regexp.MustCompile("^[0-9]+$")
)

// OpenedBy attempts to find the executable that opened the given file. Used
// to produce a diagnostic when the deps-manifest flock can't be acquired
// within the configured timeout.
func OpenedBy(l logger.Logger, path string) (string, error) {
	pidEntries, err := os.ReadDir("/proc")
	if err != nil {
		return "", fmt.Errorf("failed to read /proc: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	for _, p := range pidEntries {
		pid := p.Name()

		if !numeric.MatchString(pid) || !openedByPid(l, absPath, pid) {
			continue
		}

		// /proc/<pid>/exe is a symlink to the executable
		exe, err := os.Readlink(fmt.Sprintf("/proc/%s/exe", pid))
		if err != nil {
			l.Debug("Failed to read executable for pid %s: %v", pid, err)
			continue
		}

		return exe, nil
	}

	return "", ErrFileNotOpen
}

func openedByPid(l logger.Logger, absPath, pid string) bool {
	dirEntries, err := os.ReadDir(fmt.Sprintf("/proc/%s/fd", pid))
	if err != nil {
		// the process has gone away, or we don't have permission to read it, ignore and move on
		l.Debug("Failed to read /proc/%s/fd: %v", pid, err)
		return false
	}

	for _, dirEntry := range dirEntries {
		fd, err := strconv.ParseInt(dirEntry.Name(), 10, 64)
		if err != nil {
			l.Debug("Failed to parse fd %s: %s", dirEntry.Name(), err)
			continue
		}

		// 0 = stdin, 1 = stdout, 2 = stderr
		if fd <= stderrFd {
			continue
		}

		fPath, err := os.Readlink(fmt.Sprintf("/proc/%s/fd/%s", pid, dirEntry.Name()))
		if err != nil {
			l.Debug("Failed to read link for fd %s: %v", dirEntry.Name(), err)
			continue
		}

		if fPath == absPath {
			return true
		}
	}

	return false
}

