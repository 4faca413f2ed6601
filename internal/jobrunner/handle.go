package jobrunner

import (
	"sync/atomic"
	"time"

	"github.com/concord-run/runner/internal/processpool"
)

// killGracePeriod bounds how long Cancel waits after an interrupt before
// escalating to a hard kill.
const killGracePeriod = 5 * time.Second

// Handle is the external view of one running job: wait for it, cancel it,
// or check whether it was cancelled.
type Handle struct {
	instanceID string
	entry      *processpool.Entry

	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

func newHandle(instanceID string, entry *processpool.Entry) *Handle {
	return &Handle{
		instanceID: instanceID,
		entry:      entry,
		done:       make(chan struct{}),
	}
}

// WaitForCompletion blocks until the job's background task finishes and
// re-raises any error it produced.
func (h *Handle) WaitForCompletion() error {
	<-h.done
	return h.err
}

// Cancel is idempotent: if the job has already finished or was already
// cancelled, it is a no-op. Otherwise it marks the job cancelled and kills
// the worker process, interrupting first and escalating to a hard kill
// after killGracePeriod if it hasn't exited by then.
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}

	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}

	_ = h.entry.Process.Interrupt()

	go func() {
		select {
		case <-h.entry.Process.Done():
		case <-time.After(killGracePeriod):
			_ = h.entry.Process.Terminate()
		}
	}()
}

// IsCancelled reports whether Cancel has been called on this handle.
func (h *Handle) IsCancelled() bool {
	return h.cancelled.Load()
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}
