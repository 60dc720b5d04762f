// Package reprocessor implements the task reprocessor (§4.7): tasks that
// failed controller-pool admission wait here, either in a worker-specific
// list or an unrestricted FIFO, until a worker becomes ready again.
package reprocessor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
)

// Processor re-places a previously-failed task.
type Processor interface {
	Process(w task.Wrapper, ctx task.ExecutionContext)
}

type item struct {
	wrapper task.Wrapper
	ctx     task.ExecutionContext
}

// Reprocessor holds tasks that couldn't be placed and redrains them on
// WorkerReady.
//
// The FIFO is genuinely first-in-first-out, per spec's explicit
// "unrestricted FIFO" wording, departing from original_source's Vec::pop
// (LIFO) in favor of the distilled spec's unambiguous text.
type Reprocessor struct {
	mu        sync.Mutex
	fifo      []item
	byWorker  map[string][]item
	processor Processor
	log       zerolog.Logger
}

// New builds an empty reprocessor.
func New(processor Processor) *Reprocessor {
	return &Reprocessor{
		byWorker:  make(map[string][]item),
		processor: processor,
		log:       logx.WithComponent("reprocessor").Logger(),
	}
}

// ReprocessTask queues w: into the FIFO if it has no worker affinity, else
// onto that worker's own list.
func (r *Reprocessor) ReprocessTask(w task.Wrapper, ctx task.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := item{wrapper: w, ctx: ctx}
	if w.WorkerID() == "" {
		r.fifo = append(r.fifo, it)
		metrics.ReprocessorQueueDepth.WithLabelValues("fifo").Set(float64(len(r.fifo)))
		return
	}
	r.byWorker[w.WorkerID()] = append(r.byWorker[w.WorkerID()], it)
	metrics.ReprocessorQueueDepth.WithLabelValues("worker:"+w.WorkerID()).Set(float64(len(r.byWorker[w.WorkerID()])))
}

// WorkerReady drains tasks linked to workerID, if any exist — those have
// priority over the shared FIFO — otherwise drains the FIFO completely.
func (r *Reprocessor) WorkerReady(workerID string) {
	r.mu.Lock()
	items, ok := r.byWorker[workerID]
	if ok {
		delete(r.byWorker, workerID)
		r.mu.Unlock()
		metrics.ReprocessorQueueDepth.WithLabelValues("worker:" + workerID).Set(0)
		r.drain(items)
		return
	}

	items = r.fifo
	r.fifo = nil
	r.mu.Unlock()
	metrics.ReprocessorQueueDepth.WithLabelValues("fifo").Set(0)
	r.drain(items)
}

func (r *Reprocessor) drain(items []item) {
	for _, it := range items {
		r.processor.Process(it.wrapper, it.ctx)
	}
}
