// Package boundedpool bounds how many dependency-normalization probes the
// resolver runs concurrently, so a job with a long dependency list doesn't
// open one outbound connection per URI.
package boundedpool

import "sync"

// Pool runs jobs concurrently, admitting at most limit at a time.
type Pool struct {
	wg         sync.WaitGroup
	completion chan struct{}
	m          sync.Mutex
}

// New returns a Pool admitting at most limit concurrent jobs. limit must be
// positive.
func New(limit int) *Pool {
	completion := make(chan struct{}, limit)
	for range limit {
		completion <- struct{}{}
	}

	return &Pool{completion: completion}
}

// Spawn runs job in a new goroutine once a slot is free.
func (p *Pool) Spawn(job func()) {
	<-p.completion
	p.wg.Add(1)

	go func() {
		defer func() {
			p.completion <- struct{}{}
			p.wg.Done()
		}()
		job()
	}()
}

// Lock guards state shared across spawned jobs (e.g. a shared results
// slice), separately from the admission semaphore.
func (p *Pool) Lock() { p.m.Lock() }

// Unlock releases the lock taken by Lock.
func (p *Pool) Unlock() { p.m.Unlock() }

// Wait blocks until every spawned job has returned.
func (p *Pool) Wait() { p.wg.Wait() }
