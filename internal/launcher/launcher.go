// Package launcher creates a worker's process working directory and starts
// its OS process: the one-shot counterpart to processpool's pre-fork path.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/concord-run/runner/env"
	"github.com/concord-run/runner/internal/cmdbuilder"
	"github.com/concord-run/runner/internal/processpool"
	"github.com/concord-run/runner/internal/runnererrors"
	"github.com/concord-run/runner/logger"
	"github.com/concord-run/runner/process"
)

// dockerLocalModeEnvVar is passed through from the agent's own environment
// into the worker's, when present, so container-aware workers can detect
// they're running alongside a local (non-remote) docker daemon.
const dockerLocalModeEnvVar = "DOCKER_LOCAL_MODE"

// Config configures a launch.
type Config struct {
	ProcDir string
	Argv    []string
	TmpDir  string
	// Output receives the worker's combined stdout and stderr.
	Output            io.Writer
	InterruptSignal   process.Signal
	SignalGracePeriod time.Duration
}

// Launcher starts worker processes.
type Launcher struct {
	logger logger.Logger
}

// New returns a Launcher.
func New(l logger.Logger) *Launcher {
	return &Launcher{logger: l}
}

// Launch creates procDir/payload/ if missing and starts conf.Argv in it,
// returning a processpool.Entry that owns the running process.
func (l *Launcher) Launch(ctx context.Context, conf Config) (*processpool.Entry, error) {
	if len(conf.Argv) == 0 {
		return nil, runnererrors.LaunchFailure(fmt.Errorf("empty argv"))
	}

	payloadDir := filepath.Join(conf.ProcDir, "payload")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, runnererrors.LaunchFailure(fmt.Errorf("creating payload dir %s: %w", payloadDir, err))
	}

	workerEnv := env.New()
	workerEnv.Set("TMP_DIR", conf.TmpDir)
	workerEnv.Set("_CONCORD_ATTACHMENTS_DIR", filepath.Join(payloadDir, "job-attachments"))
	if v, ok := os.LookupEnv(dockerLocalModeEnvVar); ok {
		workerEnv.Set(dockerLocalModeEnvVar, v)
	}

	output := conf.Output
	if output == nil {
		output = io.Discard
	}

	// Container argv references PayloadDirPlaceholder rather than the real
	// payloadDir, which isn't known until now; substitute it into a copy so
	// the pool fingerprint (computed from conf.Argv, unsubstituted) stays
	// stable across jobs sharing the same container configuration.
	resolvedArgv := substitutePayloadDir(conf.Argv, payloadDir)

	proc := process.New(l.logger, process.Config{
		Path:              resolvedArgv[0],
		Args:              resolvedArgv[1:],
		Dir:               payloadDir,
		Env:               workerEnv.ToSlice(),
		Stdout:            output,
		Stderr:            output, // merged: the worker's stderr is shipped through the same log pump as stdout
		InterruptSignal:   conf.InterruptSignal,
		SignalGracePeriod: conf.SignalGracePeriod,
	})

	if err := l.start(ctx, proc); err != nil {
		return nil, runnererrors.LaunchFailure(err)
	}

	return &processpool.Entry{
		Process:     proc,
		ProcDir:     conf.ProcDir,
		Fingerprint: processpool.Of(conf.Argv[0], conf.Argv[1:]),
		CreatedAt:   time.Now(),
	}, nil
}

// substitutePayloadDir returns a copy of argv with every occurrence of
// cmdbuilder.PayloadDirPlaceholder replaced by payloadDir.
func substitutePayloadDir(argv []string, payloadDir string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, cmdbuilder.PayloadDirPlaceholder, payloadDir)
	}
	return out
}

// start runs proc in the background and blocks only until it has started,
// surfacing a start failure synchronously while letting the process run to
// completion independently (the JobRunner owns waiting on it).
func (l *Launcher) start(ctx context.Context, proc *process.Process) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- proc.Run(ctx)
	}()

	select {
	case <-proc.Started():
		return nil
	case err := <-errCh:
		return err
	}
}
