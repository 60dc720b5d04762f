// Package processor implements the task processor (§4.6): the entry point
// that binds a new task either to a configured task reader or to a
// controller drawn from the controller pool, and hands admission failures
// to the reprocessor.
package processor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/assistant"
	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

// restartSource is implemented by a task.Wrapper that carries an opt-in
// restart delay (internal/client.Client does); checked with a type
// assertion rather than added to task.Wrapper itself since most wrappers
// (e.g. the reprocessor's own tests) have no restart policy at all.
type restartSource interface {
	RestartDelay() time.Duration
}

// TaskReaders resolves a task name to a reader bound in place of a
// controller.
type TaskReaders interface {
	GetReader(taskName string) (task.Sendable, bool)
}

// ControllerBinding is a pooled controller's capability set the processor
// needs: reservation (checked by the pool itself) plus client
// registration is left to the task client constructed by Wrapper — the
// processor only needs to pass it along as a task.Sendable.
type ControllerBinding interface {
	task.Sendable
}

// ControllerPool probes for a free controller reservation.
type ControllerPool interface {
	Next(taskUUID string) (ControllerBinding, string, bool, bool)
}

// ArbiterPool resolves arbiters for task placement.
type ArbiterPool interface {
	Next() *arbiter.Arbiter
	NextExcluding(excl *arbiter.Arbiter) *arbiter.Arbiter
}

// Reprocessor accepts a task that could not be placed immediately.
type Reprocessor interface {
	ReprocessTask(w task.Wrapper, ctx task.ExecutionContext)
}

// Processor implements §4.6's placement entry point.
type Processor struct {
	readers     TaskReaders
	pool        ControllerPool
	arbiters    ArbiterPool
	tree        task.Sendable
	reprocessor Reprocessor
	assistant   task.Sendable
	log         zerolog.Logger
}

// New builds a task processor. tree is the task tree's Sendable, to
// receive the NewTask emission on every successful placement. assistantAddr
// may be nil (no restart-policy registration happens, same as a wrapper
// with no restart delay).
func New(readers TaskReaders, pool ControllerPool, arbiters ArbiterPool, treeAddr task.Sendable, reprocessor Reprocessor, assistantAddr task.Sendable) *Processor {
	return &Processor{
		readers:     readers,
		pool:        pool,
		arbiters:    arbiters,
		tree:        treeAddr,
		reprocessor: reprocessor,
		assistant:   assistantAddr,
		log:         logx.WithComponent("processor").Logger(),
	}
}

// Process places w, binding it to a task reader if one is configured for
// its name, else to a controller drawn from the pool; on reservation
// failure it hands w to the reprocessor instead.
func (p *Processor) Process(w task.Wrapper, ctx task.ExecutionContext) {
	if p.readers != nil {
		if reader, ok := p.readers.GetReader(w.Name()); ok {
			ctx.ControllerAddr = task.ControllerAddr{Controller: reader}
			a := p.arbiters.Next()
			w.ExecuteInArbiter(a.ID(), ctx)
			p.emitNewTask(w, ctx)
			metrics.TasksPlacedTotal.WithLabelValues("reader").Inc()
			return
		}
	}

	a := p.arbiters.Next()

	ctrl, workerID, created, ok := p.pool.Next(w.TaskUUID())
	if !ok {
		p.log.Warn().Str("task_uuid", w.TaskUUID()).Msg("processor: no controller available, reprocessing later")
		p.reprocessor.ReprocessTask(w, ctx)
		return
	}

	if created {
		// Controller and client must not share an arbiter so the
		// controller's subprocess I/O and heartbeat never block the
		// client's own mailbox (§4.6, §5).
		a = p.arbiters.NextExcluding(a)
	}

	w.SetWorkerID(workerID)
	ctx.ControllerAddr = task.ControllerAddr{Controller: ctrl}
	w.ExecuteInArbiter(a.ID(), ctx)
	p.emitNewTask(w, ctx)
	metrics.TasksPlacedTotal.WithLabelValues("controller").Inc()
}

func (p *Processor) emitNewTask(w task.Wrapper, ctx task.ExecutionContext) {
	if p.tree != nil {
		p.tree.Send(tree.NewTask{Ctx: ctx, Task: w})
	}
	p.registerRestartPolicy(w, ctx.TaskUUID)
}

// registerRestartPolicy registers w's restart delay with the assistant, if
// it has a positive one — a zero delay means the task opted out of a
// restart policy entirely (§4.10).
func (p *Processor) registerRestartPolicy(w task.Wrapper, taskUUID string) {
	if p.assistant == nil {
		return
	}
	rs, ok := w.(restartSource)
	if !ok {
		return
	}
	delay := rs.RestartDelay()
	if delay <= 0 {
		return
	}
	p.assistant.Send(assistant.TaskRecovery{TaskUUID: taskUUID, RestartDelay: delay})
}
