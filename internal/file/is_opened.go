package file

import (
	"fmt"
	"os"
	"strconv"

	"github.com/concord-run/runner/logger"
)

// IsOpened returns true if the file at the given path is opened by the
// current process. Used by the deps-manifest lock to decide whether a flock
// acquire failure is this process holding the lock recursively.
func IsOpened(l logger.Logger, path string) (bool, error) {
	fdEntries, err := os.ReadDir("/dev/fd")
	if err != nil {
		return false, fmt.Errorf("failed to read /dev/fd: %w", err)
	}

	for _, fdEntry := range fdEntries {
		fd, err := strconv.ParseInt(fdEntry.Name(), 10, 64)
		if err != nil {
			l.Debug("Failed to parse fd %s: %s", fdEntry.Name(), err)
			continue
		}

		if fd <= stderrFd {
			continue
		}

		fdPath, err := os.Readlink(fmt.Sprintf("/dev/fd/%d", fd))
		if err != nil {
			l.Debug("Failed to readlink /dev/fd/%d: %v", fd, err)
			continue
		}

		if fdPath == path {
			return true, nil
		}
	}

	return false, nil
}
