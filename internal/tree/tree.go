// Package tree implements the task tree (§4.8): a uuid-keyed forest that
// cascades stop/close/restart commands to children and reissues a fresh
// uuid when a closed task is marked for restart.
package tree

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
)

// NewTask registers a task and its execution context with the tree.
type NewTask struct {
	Ctx  task.ExecutionContext
	Task task.Wrapper
}

// StopTask recursively stops a task and its children.
type StopTask struct{ TaskUUID string }

// CloseTask removes a finished task from the tree, or marks it for close
// once it finishes.
type CloseTask struct{ TaskUUID string }

// RestartTask marks a task for restart and initiates its close.
type RestartTask struct{ TaskUUID string }

type stopTasker interface {
	StopTask(taskUUID string)
}

type closeTasker interface {
	CloseTask(taskUUID string)
}

// CenterSender publishes a center-bus payload, e.g. a "finished" status
// update.
type CenterSender interface {
	Send(payload message.CenterPayload)
}

// Processor re-places a task after a restart reissues its uuid.
type Processor interface {
	Process(w task.Wrapper, ctx task.ExecutionContext)
}

// Record is one task's tree entry.
type Record struct {
	Ctx            task.ExecutionContext
	ChildTaskUUIDs map[string]struct{}
	Descriptor     task.Wrapper
	Status         task.Status
}

// Tree is the process-wide task forest, guarded by a mutex rather than
// run as its own arbiter actor — it has no ordering dependency on other
// actors' mailboxes beyond what the tracker's fan-out already serializes
// (§5, "process-wide registries... sync.RWMutex-guarded").
type Tree struct {
	mu             sync.Mutex
	tasks          map[string]*Record
	tasksToClose   map[string]struct{}
	tasksToRestart map[string]struct{}

	center    CenterSender
	processor Processor
	tracker   task.Sendable

	log zerolog.Logger
}

var _ task.Sendable = (*Tree)(nil)

// New builds an empty task tree.
func New(center CenterSender, processor Processor, tracker task.Sendable) *Tree {
	return &Tree{
		tasks:          make(map[string]*Record),
		tasksToClose:   make(map[string]struct{}),
		tasksToRestart: make(map[string]struct{}),
		center:         center,
		processor:      processor,
		tracker:        tracker,
		log:            logx.WithComponent("tree").Logger(),
	}
}

// Send implements task.Sendable.
func (t *Tree) Send(msg any) {
	switch m := msg.(type) {
	case NewTask:
		t.handleNewTask(m)
	case task.Update:
		t.handleTaskUpdate(m)
	case StopTask:
		t.handleStopTask(m.TaskUUID)
	case CloseTask:
		t.handleCloseTask(m.TaskUUID)
	case RestartTask:
		t.handleRestartTask(m.TaskUUID)
	case message.ControlMessage:
		t.handleControlMessage(m)
	default:
		t.log.Warn().Msg("tree: ignoring message of unexpected type")
	}
}

func (t *Tree) handleControlMessage(m message.ControlMessage) {
	taskUUID, _ := m.Data.(string)
	switch m.Cmd {
	case message.CmdStopTask:
		t.handleStopTask(taskUUID)
	case message.CmdCloseTask:
		t.handleCloseTask(taskUUID)
	case message.CmdRestartTask:
		t.handleRestartTask(taskUUID)
	}
}

func (t *Tree) handleNewTask(nt NewTask) {
	taskUUID := nt.Task.TaskUUID()
	parent := nt.Ctx.ParentTaskUUID

	t.mu.Lock()
	if parent != "" {
		p, ok := t.tasks[parent]
		if !ok {
			t.mu.Unlock()
			t.log.Fatal().Str("parent_task_uuid", parent).Str("task_uuid", taskUUID).
				Msg("new task references a missing parent")
			return
		}
		p.ChildTaskUUIDs[taskUUID] = struct{}{}
	}

	t.tasks[taskUUID] = &Record{
		Ctx:            nt.Ctx,
		ChildTaskUUIDs: make(map[string]struct{}),
		Descriptor:     nt.Task,
		Status:         task.StatusRunning,
	}
	metrics.TreeTasksActive.Set(float64(len(t.tasks)))
	t.mu.Unlock()
}

func (t *Tree) handleTaskUpdate(u task.Update) {
	if !u.Status.Finished() {
		return
	}

	t.mu.Lock()
	rec, ok := t.tasks[u.TaskUUID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Status = u.Status
	_, markedForClose := t.tasksToClose[u.TaskUUID]
	t.mu.Unlock()

	if t.center != nil {
		t.center.Send(message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport,
			u.TaskUUID, "finished", u.Status.String()))
	}

	if markedForClose {
		t.handleCloseTask(u.TaskUUID)
	}
}

func (t *Tree) handleStopTask(taskUUID string) {
	t.mu.Lock()
	rec, ok := t.tasks[taskUUID]
	if !ok {
		t.mu.Unlock()
		return
	}
	children := childUUIDs(rec)
	finished := rec.Status.Finished()
	ctrl := rec.Ctx.ControllerAddr
	stopAddr := rec.Ctx.StopTaskAddr
	t.mu.Unlock()

	// Order across children is not semantically significant (§4.8).
	for _, child := range children {
		t.handleStopTask(child)
	}

	if finished {
		return
	}

	if ctrl.Present() {
		if stopper, ok := ctrl.Controller.(stopTasker); ok {
			stopper.StopTask(taskUUID)
		} else {
			ctrl.Controller.Send(StopTask{TaskUUID: taskUUID})
		}
	}
	if stopAddr != nil {
		stopAddr.Send(StopTask{TaskUUID: taskUUID})
	}
}

func (t *Tree) handleCloseTask(taskUUID string) {
	t.mu.Lock()
	rec, ok := t.tasks[taskUUID]
	if !ok {
		t.mu.Unlock()
		return
	}

	if !rec.Status.Finished() {
		t.tasksToClose[taskUUID] = struct{}{}
		t.mu.Unlock()
		t.handleStopTask(taskUUID)
		return
	}

	children := childUUIDs(rec)
	ctrl := rec.Ctx.ControllerAddr
	parentUUID := rec.Ctx.ParentTaskUUID
	descriptor := rec.Descriptor
	delete(t.tasks, taskUUID)
	delete(t.tasksToClose, taskUUID)
	_, restart := t.tasksToRestart[taskUUID]
	delete(t.tasksToRestart, taskUUID)
	metrics.TreeTasksActive.Set(float64(len(t.tasks)))
	t.mu.Unlock()

	if ctrl.Present() {
		if closer, ok := ctrl.Controller.(closeTasker); ok {
			closer.CloseTask(taskUUID)
		} else {
			ctrl.Controller.Send(CloseTask{TaskUUID: taskUUID})
		}
	}
	if t.tracker != nil {
		t.tracker.Send(CloseTask{TaskUUID: taskUUID})
	}

	for _, child := range children {
		t.handleCloseTask(child)
	}

	if restart && t.processor != nil {
		metrics.TreeRestartsTotal.Inc()
		newUUID := descriptor.UpdateTaskUUID()
		t.processor.Process(descriptor, task.ExecutionContext{
			TaskUUID:       newUUID,
			ParentTaskUUID: parentUUID,
		})
	}
}

func (t *Tree) handleRestartTask(taskUUID string) {
	t.mu.Lock()
	t.tasksToRestart[taskUUID] = struct{}{}
	t.mu.Unlock()
	t.handleCloseTask(taskUUID)
}

func childUUIDs(rec *Record) []string {
	out := make([]string, 0, len(rec.ChildTaskUUIDs))
	for c := range rec.ChildTaskUUIDs {
		out = append(out, c)
	}
	return out
}
