// Package runnerjob defines the canonical job view the execution pipeline
// operates on: JobRequest as received from the control plane, and
// RunnerJob, the immutable shape every downstream component reads from.
package runnerjob

// Config is the job's configuration mapping: its declared dependencies,
// container launch options, and debug flag.
type Config struct {
	// Dependencies are the job-declared dependency URIs, unioned with the
	// agent's default dependencies by the resolver.
	Dependencies []string

	// Container, if non-empty, requests a containerized launch; its keys
	// are opaque to everything except CommandBuilder's container wrap,
	// which only checks for their presence (the container image/runtime
	// choice itself is an external collaborator's concern).
	Container map[string]string

	// Debug enables verbose resolver/command logging.
	Debug bool
}

// ProcessLog is the log sink contract: used before the in-process log file
// exists, and for the duration of the job thereafter.
type ProcessLog interface {
	Info(format string, args ...any)
	Error(format string, args ...any)

	// Log drains p and persists its bytes to local storage.
	Log(p []byte) error

	// Run pumps persisted log bytes upstream until stop returns true. It
	// blocks until stop returns true or an unrecoverable error occurs.
	Run(stop func() bool) error

	// Delete discards local storage. Must only be called after Run has
	// returned.
	Delete() error
}

// JobRequest is the immutable input for one job, as received from the
// control plane.
type JobRequest struct {
	InstanceID string
	PayloadDir string
	Config     Config
	Log        ProcessLog
}

// RunnerJob is the canonical view built from a JobRequest that every
// downstream component (DependencyResolver, CommandBuilder, JobRunner)
// reads from.
type RunnerJob struct {
	InstanceID string
	PayloadDir string
	Cfg        Config
	DebugMode  bool
	Log        ProcessLog
}

// New builds a RunnerJob from a JobRequest.
func New(req JobRequest) *RunnerJob {
	return &RunnerJob{
		InstanceID: req.InstanceID,
		PayloadDir: req.PayloadDir,
		Cfg:        req.Config,
		DebugMode:  req.Config.Debug,
		Log:        req.Log,
	}
}
