// Package arbiter models the system's cooperative, single-threaded actor
// scheduling: a fixed-size pool of worker goroutines ("arbiters"), each
// running its own mailbox strictly in arrival order.
package arbiter

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of work dispatched to one arbiter's mailbox. Jobs run in
// the order they were sent, one at a time, on that arbiter's goroutine
// only — this is what gives an actor single-threaded semantics without
// shared mutable state.
type Job func()

// Arbiter is one worker thread's mailbox: a buffered channel of jobs
// drained strictly in order by a single goroutine.
type Arbiter struct {
	id      int
	mailbox chan Job
}

// ID returns the arbiter's index in its pool.
func (a *Arbiter) ID() int { return a.id }

// Post enqueues a job on this arbiter. Post never blocks the caller's own
// mailbox loop for long: the channel is generously buffered, and a full
// mailbox is a backpressure signal worth observing via metrics rather than
// silently dropping work.
func (a *Arbiter) Post(job Job) {
	a.mailbox <- job
}

func (a *Arbiter) run(ctx context.Context) {
	for {
		select {
		case job := <-a.mailbox:
			job()
		case <-ctx.Done():
			return
		}
	}
}

// Pool is a fixed-size, round-robin-assigned set of arbiters, sized to the
// number of CPU cores by default — the process-wide pool spec's
// concurrency model calls for.
type Pool struct {
	arbiters []*Arbiter
	cursor   atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once
}

// Default mailbox buffer depth. Generous enough that a burst of task
// placements doesn't backpressure the sender under normal load.
const defaultMailboxCapacity = 4096

// NewPool creates and starts a pool of n arbiters. n <= 0 defaults to
// runtime.NumCPU().
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		arbiters: make([]*Arbiter, n),
		cancel:   cancel,
		group:    group,
	}

	for i := 0; i < n; i++ {
		a := &Arbiter{id: i, mailbox: make(chan Job, defaultMailboxCapacity)}
		p.arbiters[i] = a
		group.Go(func() error {
			a.run(gctx)
			return nil
		})
	}

	return p
}

// Size returns the number of arbiters in the pool.
func (p *Pool) Size() int { return len(p.arbiters) }

// Next returns the next arbiter in round-robin order.
func (p *Pool) Next() *Arbiter {
	n := uint64(len(p.arbiters))
	i := p.cursor.Add(1) - 1
	return p.arbiters[i%n]
}

// At returns the arbiter with the given index, modulo pool size.
func (p *Pool) At(index int) *Arbiter {
	n := len(p.arbiters)
	i := index % n
	if i < 0 {
		i += n
	}
	return p.arbiters[i]
}

// NextExcluding returns the next arbiter in round-robin order that is not
// the given arbiter — used when a newly created controller and its client
// must land on different arbiters (§4.6).
func (p *Pool) NextExcluding(excl *Arbiter) *Arbiter {
	if len(p.arbiters) == 1 {
		return p.arbiters[0]
	}
	a := p.Next()
	for a == excl {
		a = p.Next()
	}
	return a
}

// Shutdown stops every arbiter's loop and waits for their goroutines to
// return.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.cancel()
		_ = p.group.Wait()
	})
}
