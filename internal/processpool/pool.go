// Package processpool implements the content-addressed warm-worker pool:
// up to maxCount worker processes, keyed by the SHA-256 fingerprint of the
// argv that launched them, reused across jobs that share a fingerprint.
package processpool

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/concord-run/runner/internal/runnermetrics"
	"github.com/concord-run/runner/logger"
	"github.com/concord-run/runner/process"
)

// Fingerprint is the SHA-256 over an argv, used as the pool's admission
// key. Equal argvs always produce equal fingerprints; see Of.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", [sha256.Size]byte(f))
}

// Of computes the fingerprint of a command and its arguments. Callers (the
// CommandBuilder) are responsible for ensuring argv is itself deterministic
// for equal inputs.
func Of(command string, args []string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(command))
	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Entry owns one warm worker process and its working directory.
type Entry struct {
	Process     *process.Process
	ProcDir     string
	Fingerprint Fingerprint
	CreatedAt   time.Time
}

// alive reports whether the entry's process is still running.
func (e *Entry) alive() bool {
	select {
	case <-e.Process.Done():
		return false
	default:
		return true
	}
}

// SpawnFunc creates a fresh Entry rooted in a new working directory.
type SpawnFunc func() (*Entry, error)

// Config configures a Pool.
type Config struct {
	MaxAge   time.Duration
	MaxCount int
}

// Pool is the multimap from Fingerprint to a FIFO queue of warm Entry
// values, guarded by a single critical section as required by the
// "pool's per-fingerprint queues" shared-state rule.
type Pool struct {
	mu      sync.Mutex
	queues  map[Fingerprint][]*Entry
	count   int
	conf    Config
	logger  logger.Logger
	metrics *runnermetrics.Collector
}

// New returns an empty Pool.
func New(l logger.Logger, m *runnermetrics.Collector, conf Config) *Pool {
	return &Pool{
		queues:  make(map[Fingerprint][]*Entry),
		conf:    conf,
		logger:  l,
		metrics: m,
	}
}

// Take returns a warm Entry for fingerprint if one exists and hasn't aged
// out, evicting any expired entries it encounters along the way. If no
// eligible entry exists, it calls spawn and returns the freshly created
// Entry without inserting it into the pool.
func (p *Pool) Take(fingerprint Fingerprint, spawn SpawnFunc) (*Entry, error) {
	p.mu.Lock()
	queue := p.queues[fingerprint]

	type evicted struct {
		entry  *Entry
		reason string
	}
	var toEvict []evicted
	var hit *Entry

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]
		p.count--

		switch {
		case !entry.alive():
			toEvict = append(toEvict, evicted{entry, "process-exited"})
		case time.Since(entry.CreatedAt) > p.conf.MaxAge:
			toEvict = append(toEvict, evicted{entry, "aged-out"})
		default:
			hit = entry
		}

		if hit != nil {
			break
		}
	}

	p.queues[fingerprint] = queue
	p.mu.Unlock()

	// Eviction teardown (process kill, procDir removal) is I/O and happens
	// outside the critical section.
	for _, ev := range toEvict {
		p.logger.Debug("[ProcessPool] evicting entry %s (%s)", fingerprint, ev.reason)
		p.removeEntry(ev.entry, ev.reason)
	}

	if hit != nil {
		p.logger.Info("[ProcessPool] hit for fingerprint %s", fingerprint)
		if p.metrics != nil {
			p.metrics.PoolHits.Inc()
		}
		return hit, nil
	}

	p.logger.Info("[ProcessPool] miss for fingerprint %s, spawning", fingerprint)
	if p.metrics != nil {
		p.metrics.PoolMisses.Inc()
	}
	return spawn()
}

// Prewarm inserts a freshly spawned Entry for fingerprint into the pool, so
// a future Take with the same fingerprint finds it warm. If the pool is at
// MaxCount, the oldest entry across all fingerprints is evicted first.
// A MaxCount of zero disables pre-forking entirely.
func (p *Pool) Prewarm(fingerprint Fingerprint, spawn SpawnFunc) error {
	if p.conf.MaxCount <= 0 {
		return nil
	}

	p.mu.Lock()
	var victim *Entry
	if p.count >= p.conf.MaxCount {
		if victim = p.evictOldestLocked(); victim == nil {
			p.mu.Unlock()
			return fmt.Errorf("processpool: at capacity (%d) and nothing evictable", p.conf.MaxCount)
		}
	}
	// Reserve the slot before spawning, so concurrent Prewarm calls cannot
	// push the pool past MaxCount.
	p.count++
	p.mu.Unlock()

	if victim != nil {
		p.removeEntry(victim, "count-exceeded")
	}

	entry, err := spawn()
	if err != nil {
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		return fmt.Errorf("processpool: prewarm spawn: %w", err)
	}

	p.mu.Lock()
	p.queues[fingerprint] = append(p.queues[fingerprint], entry)
	p.mu.Unlock()

	p.logger.Info("[ProcessPool] pre-warmed entry for fingerprint %s", fingerprint)
	return nil
}

// evictOldestLocked unlinks the single oldest entry across all
// fingerprints and returns it, or nil if the pool is empty. Caller must
// hold p.mu, and tears the returned entry down with removeEntry after
// releasing it.
func (p *Pool) evictOldestLocked() *Entry {
	var (
		oldestFP    Fingerprint
		oldestIdx   int
		oldestEntry *Entry
	)

	for fp, queue := range p.queues {
		for i, e := range queue {
			if oldestEntry == nil || e.CreatedAt.Before(oldestEntry.CreatedAt) {
				oldestEntry = e
				oldestFP = fp
				oldestIdx = i
			}
		}
	}

	if oldestEntry == nil {
		return nil
	}

	queue := p.queues[oldestFP]
	p.queues[oldestFP] = append(queue[:oldestIdx], queue[oldestIdx+1:]...)
	p.count--
	return oldestEntry
}

// removeEntry kills the entry's process and deletes its working directory.
// It does I/O, so it is only called without p.mu held, on entries already
// unlinked from their queue.
func (p *Pool) removeEntry(e *Entry, reason string) {
	if p.metrics != nil {
		p.metrics.RecordPoolEviction(reason)
	}
	if err := e.Process.Terminate(); err != nil {
		p.logger.Warn("[ProcessPool] failed to terminate evicted process: %v", err)
	}
	if err := os.RemoveAll(e.ProcDir); err != nil {
		p.logger.Warn("[ProcessPool] failed to remove evicted procDir %s: %v", e.ProcDir, err)
	}
}

// Len returns the total number of entries currently held by the pool,
// across all fingerprints, counting a slot reserved by a Prewarm whose
// spawn is still in progress.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
