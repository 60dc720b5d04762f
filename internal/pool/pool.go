// Package pool implements the controller pool (§4.5): a fixed-capacity,
// lazily-populated set of worker controllers, probed round-robin for a
// free reservation on every task placement.
package pool

import (
	"strconv"
	"sync"

	"github.com/cuemby/legion/internal/metrics"
)

// Reservable is the capability a pooled controller must expose.
type Reservable interface {
	ReserveForTask(taskUUID string) bool
}

// Pool is a fixed-capacity, round-robin-probed set of controllers, generic
// over the concrete controller type so callers keep their controller's
// full method set (registration, admission, stop/close) rather than a
// narrowed interface.
type Pool[C Reservable] struct {
	mu sync.Mutex

	factory     func(id string) C
	controllers []C
	ids         []string
	capacity    int
	nextToUse   int
}

// NewPool builds a pool of the given capacity. factory constructs and
// starts a new controller for the given id; it is called lazily, at most
// capacity times.
func NewPool[C Reservable](capacity int, factory func(id string) C) *Pool[C] {
	return &Pool[C]{capacity: capacity, factory: factory}
}

// Next implements §4.5's next(task_uuid): lazily grow to capacity, then
// probe controllers round-robin for a reservation, returning the first
// that accepts. The round-robin cursor advances on every probe regardless
// of outcome.
//
// The returned id is read from the cursor *after* it has been advanced
// past the controller that actually accepted the reservation — this is an
// off-by-one carried over verbatim from the original implementation (see
// DESIGN.md Open Questions), not a bug introduced here.
func (p *Pool[C]) Next(taskUUID string) (controller C, id string, created bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.controllers) < p.capacity {
		newID := strconv.Itoa(len(p.controllers))
		p.ids = append(p.ids, newID)
		p.controllers = append(p.controllers, p.factory(newID))
		created = true
		metrics.PoolSize.Set(float64(len(p.controllers)))
	}

	if len(p.controllers) == 0 {
		var zero C
		return zero, "", created, false
	}

	origNext := p.nextToUse
	for {
		addr := p.controllers[p.nextToUse]
		reserved := addr.ReserveForTask(taskUUID)

		p.nextToUse++
		if p.nextToUse >= len(p.controllers) {
			p.nextToUse = 0
		}

		if reserved {
			metrics.PoolReservationsTotal.WithLabelValues("reserved").Inc()
			return addr, p.ids[p.nextToUse], created, true
		}

		if p.nextToUse == origNext {
			break
		}
	}

	metrics.PoolReservationsTotal.WithLabelValues("exhausted").Inc()
	var zero C
	return zero, "", created, false
}

// Size returns the number of controllers instantiated so far.
func (p *Pool[C]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.controllers)
}
