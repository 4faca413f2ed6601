// Package logpump runs a runnerjob.ProcessLog's pump loop as a
// cooperatively-cancellable background task: Start launches it, Stop
// signals it via an atomic flag and waits up to a fixed timeout before
// abandoning it.
package logpump

import (
	"sync/atomic"
	"time"

	"github.com/concord-run/runner/logger"
)

// StopTimeout bounds how long Stop waits for the pump task to notice the
// stop signal and return before giving up on it.
const StopTimeout = time.Minute

// Runner is the subset of runnerjob.ProcessLog the pump drives.
type Runner interface {
	Run(stop func() bool) error
}

// Pump runs one Runner's loop in a background goroutine.
type Pump struct {
	runner   Runner
	logger   logger.Logger
	onError  func(error)
	stopping atomic.Bool
	done     chan struct{}
}

// New returns a Pump for runner. onError, if non-nil, is invoked with any
// error Run returns.
func New(l logger.Logger, runner Runner, onError func(error)) *Pump {
	return &Pump{
		runner:  runner,
		logger:  l,
		onError: onError,
		done:    make(chan struct{}),
	}
}

// Start launches the pump loop. It must be called at most once.
func (p *Pump) Start() {
	go func() {
		defer close(p.done)
		if err := p.runner.Run(p.stopping.Load); err != nil {
			p.logger.Warn("[LogPump] pump loop returned error: %v", err)
			if p.onError != nil {
				p.onError(err)
			}
		}
	}()
}

// Stop signals the pump to return and waits up to StopTimeout for it to do
// so. If the timeout elapses, the pump is abandoned: a warning is logged
// and Stop returns, letting the caller's cleanup continue.
func (p *Pump) Stop() {
	p.stopping.Store(true)

	select {
	case <-p.done:
	case <-time.After(StopTimeout):
		p.logger.Warn("[LogPump] timed out after %s waiting for pump to stop, abandoning it", StopTimeout)
	}
}
