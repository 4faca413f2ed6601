// Package processlog provides the default runnerjob.ProcessLog
// implementation: an in-memory byte buffer (grounded on process.Buffer)
// drained on a timer by a background pump and shipped upstream through an
// injected Shipper, the out-of-scope wire transport.
package processlog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/concord-run/runner/logger"
	"github.com/concord-run/runner/process"
	"github.com/dustin/go-humanize"
)

// defaultMaxBufferedBytes is the unflushed-buffer size past which Log warns
// that the shipper isn't keeping up with the worker's output.
const defaultMaxBufferedBytes = 64 * 1024 * 1024

// Shipper is the out-of-scope collaborator that ships persisted log bytes
// to the control plane. Implementations are expected to retry internally;
// a returned error here is treated as a chunk-ship failure.
type Shipper interface {
	Ship(instanceID string, chunk []byte) error
}

// Log is the default ProcessLog: bytes accumulate in a process.Buffer and
// are drained and shipped by Run's pump loop every tick until stopped.
type Log struct {
	instanceID  string
	logger      logger.Logger
	shipper     Shipper
	buf         process.Buffer
	tick        time.Duration
	maxBuffered uint64

	onChunkFailure  func()
	warnedAboutSize bool
}

// New returns a Log that ships chunks to shipper every tick.
func New(instanceID string, l logger.Logger, shipper Shipper, tick time.Duration) *Log {
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	return &Log{
		instanceID:  instanceID,
		logger:      l,
		shipper:     shipper,
		tick:        tick,
		maxBuffered: defaultMaxBufferedBytes,
	}
}

// OnChunkFailure registers a callback invoked whenever a shipped chunk
// fails, for metrics wiring.
func (l *Log) OnChunkFailure(fn func()) {
	l.onChunkFailure = fn
}

// SetMaxBuffered overrides the unshipped-backlog warning threshold.
func (l *Log) SetMaxBuffered(n uint64) {
	l.maxBuffered = n
}

func (l *Log) Info(format string, args ...any) {
	l.logger.Info("[Job %s] "+format, append([]any{l.instanceID}, args...)...)
}

func (l *Log) Error(format string, args ...any) {
	l.logger.Error("[Job %s] "+format, append([]any{l.instanceID}, args...)...)
}

// Log drains p into the buffer. If the unshipped backlog has grown past
// maxBuffered it warns once per job, since that means the shipper can't
// keep up with the worker's output rate.
func (l *Log) Log(p []byte) error {
	if _, err := l.buf.Write(p); err != nil {
		return fmt.Errorf("persisting %s of log output: %w", humanize.Bytes(uint64(len(p))), err)
	}

	if buffered := uint64(l.buf.Len()); buffered > l.maxBuffered && !l.warnedAboutSize {
		l.logger.Warn("[ProcessLog %s] unshipped log backlog has reached %s, exceeding %s: shipper may be falling behind",
			l.instanceID, humanize.Bytes(buffered), humanize.Bytes(l.maxBuffered))
		l.warnedAboutSize = true
	}

	return nil
}

// Run pumps buffered bytes to the shipper every tick, until stop returns
// true, at which point it flushes once more and returns.
func (l *Log) Run(stop func() bool) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		<-ticker.C

		if err := l.flush(); err != nil {
			l.logger.Warn("[ProcessLog %s] chunk ship failed: %v", l.instanceID, err)
			if l.onChunkFailure != nil {
				l.onChunkFailure()
			}
		}

		if stop() {
			// Final flush to avoid losing the tail written between the
			// last tick and the stop signal.
			if err := l.flush(); err != nil {
				l.logger.Warn("[ProcessLog %s] final chunk ship failed: %v", l.instanceID, err)
				if l.onChunkFailure != nil {
					l.onChunkFailure()
				}
			}
			return nil
		}
	}
}

func (l *Log) flush() error {
	chunk := l.buf.ReadAndTruncate()
	if len(chunk) == 0 {
		return nil
	}
	if l.shipper == nil {
		return nil
	}
	return l.shipper.Ship(l.instanceID, chunk)
}

// Delete discards local storage. The in-memory buffer needs nothing
// further beyond closing it to further writes; this exists for
// implementations that also persist to disk.
func (l *Log) Delete() error {
	if err := l.buf.Close(); err != nil && !errors.Is(err, process.ErrAlreadyClosed) {
		return err
	}
	return nil
}

// DiscardShipper is a Shipper that drops all chunks; useful for tests and
// for jobs started before the real transport is wired up.
type DiscardShipper struct{}

func (DiscardShipper) Ship(string, []byte) error { return nil }

// stderrShipper writes chunks to os.Stderr, used by early bootstrapping paths
// before the upstream transport exists.
type stderrShipper struct{}

func (stderrShipper) Ship(instanceID string, chunk []byte) error {
	_, err := os.Stderr.Write(chunk)
	return err
}

// StderrShipper returns a Shipper that writes chunks to the process's own
// stderr.
func StderrShipper() Shipper { return stderrShipper{} }
