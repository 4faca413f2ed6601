// Package jobrunner implements the JobRunner orchestration state machine:
// for one job it resolves dependencies, builds the launch command, obtains
// a worker (from the warm pool or a fresh one-shot launch), adopts the
// job's payload into the worker's working directory, pumps its log
// upstream, waits for it to exit, runs post-processors, and always cleans
// up the working directory.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/concord-run/runner/internal/cmdbuilder"
	"github.com/concord-run/runner/internal/fsutil"
	"github.com/concord-run/runner/internal/launcher"
	"github.com/concord-run/runner/internal/logpump"
	"github.com/concord-run/runner/internal/processpool"
	"github.com/concord-run/runner/internal/runnererrors"
	"github.com/concord-run/runner/internal/runnerjob"
	"github.com/concord-run/runner/internal/runnermetrics"
	"github.com/concord-run/runner/logger"
	"github.com/concord-run/runner/process"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State names a JobRunner state-machine node, used only for logging and
// metrics labels.
type State string

const (
	StateNew         State = "new"
	StateCmdBuilt    State = "cmd_built"
	StateRunning     State = "running"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateKilled      State = "killed"
	StatePostProcess State = "postprocess"
	StateCleanup     State = "cleanup"
)

// agentParamsSentinel and libOverrideDir gate canUsePrefork: their presence
// under a job's payload means the worker needs its own JVM params/library
// overrides, which a warm, already-started worker cannot be given.
const (
	agentParamsSentinel = "_agent.json"
	libOverrideDir       = "lib"
	instanceIDSentinel   = "_instanceId"
)

// DependencyResolver resolves a job's dependency URIs to local artifact
// paths. Satisfied by *depsresolver.Resolver.
type DependencyResolver interface {
	Resolve(ctx context.Context, job *runnerjob.RunnerJob, defaults []string) ([]string, error)
}

// CommandBuilder builds the worker launch command. Satisfied by
// *cmdbuilder.Builder.
type CommandBuilder interface {
	Build(job *runnerjob.RunnerJob, paths []string) (cmdbuilder.Result, error)
}

// Pool is the warm-worker pool. Satisfied by *processpool.Pool.
type Pool interface {
	Take(fingerprint processpool.Fingerprint, spawn processpool.SpawnFunc) (*processpool.Entry, error)
	Prewarm(fingerprint processpool.Fingerprint, spawn processpool.SpawnFunc) error
}

// Launcher starts a fresh one-shot worker. Satisfied by *launcher.Launcher.
type Launcher interface {
	Launch(ctx context.Context, conf launcher.Config) (*processpool.Entry, error)
}

// PostProcessor is the out-of-scope collaborator invoked against a
// finished job's payload directory.
type PostProcessor interface {
	Process(instanceID, payloadDir string) error
}

// Config parameterizes a Runner shared across all jobs it executes.
type Config struct {
	DefaultDependencies []string
	ProcDirRoot         string
	TmpDir              string
	InterruptSignal     process.Signal
	SignalGracePeriod   time.Duration
}

// Runner builds and wires one job's run from its collaborators.
type Runner struct {
	conf           Config
	resolver       DependencyResolver
	builder        CommandBuilder
	pool           Pool
	launcher       Launcher
	postProcessors []PostProcessor
	logger         logger.Logger
	metrics        *runnermetrics.Collector
}

// New returns a Runner.
func New(
	l logger.Logger,
	m *runnermetrics.Collector,
	conf Config,
	resolver DependencyResolver,
	builder CommandBuilder,
	pool Pool,
	launch Launcher,
	postProcessors []PostProcessor,
) *Runner {
	return &Runner{
		conf:           conf,
		resolver:       resolver,
		builder:        builder,
		pool:           pool,
		launcher:       launch,
		postProcessors: postProcessors,
		logger:         l,
		metrics:        m,
	}
}

// Run executes job end-to-end. Setup errors (dependency resolution,
// command build, worker launch, payload adoption) propagate synchronously
// and no Handle is returned. Once a Handle is returned, the remainder of
// the job (wait, post-process, cleanup) runs in the background; its
// outcome surfaces through Handle.WaitForCompletion.
func (r *Runner) Run(ctx context.Context, job *runnerjob.RunnerJob) (*Handle, error) {
	paths, err := r.resolver.Resolve(ctx, job, r.conf.DefaultDependencies)
	if err != nil {
		r.recordOutcome(StateFailed)
		return nil, err
	}

	cmd, err := r.builder.Build(job, paths)
	if err != nil {
		r.recordOutcome(StateFailed)
		return nil, runnererrors.LaunchFailure(fmt.Errorf("building command: %w", err))
	}
	r.logger.Debug("[JobRunner %s] %s", job.InstanceID, StateCmdBuilt)

	prefork := r.canUsePrefork(job)
	fingerprint := processpool.Of(cmd.Argv[0], cmd.Argv[1:])

	spawn := func() (*processpool.Entry, error) {
		return r.launchFresh(ctx, cmd, job)
	}

	var entry *processpool.Entry
	if prefork {
		entry, err = r.pool.Take(fingerprint, spawn)
	} else {
		entry, err = spawn()
	}
	if err != nil {
		r.recordOutcome(StateFailed)
		return nil, runnererrors.LaunchFailure(err)
	}

	if err := r.adoptPayload(job, entry, prefork); err != nil {
		r.killQuietly(entry)
		r.removeProcDirQuietly(entry.ProcDir)
		r.recordOutcome(StateFailed)
		return nil, runnererrors.LaunchFailure(fmt.Errorf("adopting payload: %w", err))
	}

	pump := logpump.New(r.logger, job.Log, func(pumpErr error) {
		r.handlePumpError(job, entry, pumpErr)
	})
	pump.Start()

	h := newHandle(job.InstanceID, entry)
	go r.await(job, entry, pump, h, fingerprint, prefork, spawn)

	return h, nil
}

func (r *Runner) launchFresh(ctx context.Context, cmd cmdbuilder.Result, job *runnerjob.RunnerJob) (*processpool.Entry, error) {
	// uuid-named rather than MkdirTemp's random suffix so a worker's proc
	// dir can be correlated with logs/metrics by a stable, greppable name
	// even across a pre-fork pool's reused entries.
	procDir := filepath.Join(r.conf.ProcDirRoot, "proc-"+uuid.NewString())
	if err := os.Mkdir(procDir, 0o755); err != nil {
		return nil, fmt.Errorf("allocating proc dir: %w", err)
	}

	writer := &processLogWriter{log: job.Log}

	// Warm workers live independently of any one job's lifetime, so they're
	// launched against a background context; a job's cancellation is
	// delivered directly to its entry's Process, never via this context.
	return r.launcher.Launch(context.Background(), launcher.Config{
		ProcDir:           procDir,
		Argv:              cmd.Argv,
		TmpDir:            r.conf.TmpDir,
		Output:            writer,
		InterruptSignal:   r.conf.InterruptSignal,
		SignalGracePeriod: r.conf.SignalGracePeriod,
	})
}

// canUsePrefork implements the predicate from §4.6: no container options,
// and the payload carries no worker-specific overrides that a warm,
// already-started worker couldn't be given.
func (r *Runner) canUsePrefork(job *runnerjob.RunnerJob) bool {
	if len(job.Cfg.Container) > 0 {
		return false
	}
	if payloadPathExists(job.PayloadDir, libOverrideDir) {
		return false
	}
	if payloadPathExists(job.PayloadDir, agentParamsSentinel) {
		return false
	}
	return true
}

// payloadPathExists reports whether name exists under dir. Any os.Stat
// error, not just ErrNotExist, is treated as absence, so an override path
// that cannot be stat'ed does not keep a job off the pre-fork path.
func payloadPathExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// adoptPayload moves or copies the job's received payload into the
// worker's working directory: copy for a reused (pre-fork) entry, whose
// directory may already hold worker state that must survive; move for a
// fresh one-shot entry, whose directory is known empty.
func (r *Runner) adoptPayload(job *runnerjob.RunnerJob, entry *processpool.Entry, prefork bool) error {
	dst := filepath.Join(entry.ProcDir, "payload")

	var err error
	if prefork {
		err = fsutil.CopyDir(job.PayloadDir, dst)
	} else {
		err = fsutil.MoveDir(job.PayloadDir, dst)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dst, instanceIDSentinel), []byte(job.InstanceID), 0o644)
}

// await is the runner task: it waits on the OS process, runs
// post-processors, and always cleans up. It is the sole writer of h's
// terminal state.
func (r *Runner) await(job *runnerjob.RunnerJob, entry *processpool.Entry, pump *logpump.Pump, h *Handle, fingerprint processpool.Fingerprint, prefork bool, spawn processpool.SpawnFunc) {
	<-entry.Process.Done()

	execErr := r.interpretExit(entry, h)

	postProcessErr := r.runPostProcessors(job, entry)

	r.cleanup(job, entry, pump)

	finalErr := execErr
	if finalErr == nil {
		finalErr = postProcessErr
	}

	// Refill the pool for the next job with this fingerprint. The new
	// entry's output is bound via the same spawn closure used above, so it
	// inherits this job's ProcessLog as a sink until a later Take rebinds
	// it; see DESIGN.md for why this is an accepted simplification.
	if finalErr == nil && prefork {
		if err := r.pool.Prewarm(fingerprint, spawn); err != nil {
			r.logger.Warn("[JobRunner %s] pre-warm after success failed: %v", job.InstanceID, err)
		}
	}

	switch {
	case finalErr == nil:
		r.recordOutcome(StateDone)
	case h.IsCancelled():
		r.recordOutcome(StateKilled)
	default:
		r.recordOutcome(StateFailed)
	}

	h.finish(finalErr)
}

func (r *Runner) interpretExit(entry *processpool.Entry, h *Handle) error {
	if h.IsCancelled() {
		return runnererrors.ErrExecutionInterrupted
	}

	if err := entry.Process.WaitResult(); err != nil {
		// A non-zero exit arrives as an *exec.ExitError and is reported by
		// exit code below; any other wait error means the wait itself failed.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return runnererrors.ErrExecutionInterrupted
		}
	}

	code := entry.Process.WaitStatus().ExitStatus()
	if code == 0 {
		return nil
	}
	return runnererrors.NonZeroExitError(code)
}

func (r *Runner) runPostProcessors(job *runnerjob.RunnerJob, entry *processpool.Entry) error {
	if len(r.postProcessors) == 0 {
		return nil
	}

	payloadDir := filepath.Join(entry.ProcDir, "payload")

	var g errgroup.Group
	for _, pp := range r.postProcessors {
		pp := pp
		g.Go(func() error {
			if err := pp.Process(job.InstanceID, payloadDir); err != nil {
				r.logger.Error("[JobRunner %s] post-processor failed: %v", job.InstanceID, err)
				r.killQuietly(entry)
				return runnererrors.PostProcessingFailure(err)
			}
			return nil
		})
	}

	return g.Wait()
}

// cleanup implements §4.6's always-run cleanup: stop the log pump (bounded
// by logpump.StopTimeout), recursively delete procDir, then delete the
// process log's own storage.
func (r *Runner) cleanup(job *runnerjob.RunnerJob, entry *processpool.Entry, pump *logpump.Pump) {
	pump.Stop()

	r.removeProcDirQuietly(entry.ProcDir)

	if err := job.Log.Delete(); err != nil {
		r.logger.Warn("[JobRunner %s] process log delete failed: %v", job.InstanceID, runnererrors.CleanupWarning("log delete", err))
	}
}

func (r *Runner) removeProcDirQuietly(procDir string) {
	if err := os.RemoveAll(procDir); err != nil {
		r.logger.Warn("[JobRunner] %v", runnererrors.CleanupWarning("proc dir removal", err))
	}
}

func (r *Runner) killQuietly(entry *processpool.Entry) {
	if err := entry.Process.Interrupt(); err != nil {
		r.logger.Warn("[JobRunner] interrupt failed: %v", err)
	}
}

// handlePumpError implements LogPump's documented error path: log, mark
// the process log, and kill the process.
func (r *Runner) handlePumpError(job *runnerjob.RunnerJob, entry *processpool.Entry, err error) {
	job.Log.Error("log pump error: %v", err)
	r.killQuietly(entry)
}

func (r *Runner) recordOutcome(s State) {
	if r.metrics != nil {
		r.metrics.RecordJobOutcome(string(s))
	}
}

// processLogWriter adapts runnerjob.ProcessLog.Log([]byte) error to
// io.Writer, so the worker's merged stdout/stderr can be handed to
// Launcher directly.
type processLogWriter struct {
	log runnerjob.ProcessLog
}

func (w *processLogWriter) Write(p []byte) (int, error) {
	if err := w.log.Log(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
