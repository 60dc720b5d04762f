package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

type fakeDescriptor struct {
	uuid string
}

func (d *fakeDescriptor) UpdateTaskUUID() string                            { d.uuid = "restarted-" + d.uuid; return d.uuid }
func (d *fakeDescriptor) TaskUUID() string                                  { return d.uuid }
func (d *fakeDescriptor) WorkerID() string                                 { return "" }
func (d *fakeDescriptor) SetWorkerID(string)                                {}
func (d *fakeDescriptor) Name() string                                     { return "fake" }
func (d *fakeDescriptor) ExecuteInArbiter(int, task.ExecutionContext)       {}

type recordingSendable struct {
	received []any
}

func (r *recordingSendable) Send(msg any) { r.received = append(r.received, msg) }

type recordingProcessor struct {
	calls []task.ExecutionContext
}

func (p *recordingProcessor) Process(w task.Wrapper, ctx task.ExecutionContext) {
	p.calls = append(p.calls, ctx)
}

func newTestTree(proc Processor) (*Tree, *recordingSendable) {
	tracker := &recordingSendable{}
	tr := New(nil, proc, tracker)
	return tr, tracker
}

func TestTreeCloseRemovesFinishedTaskAndNotifiesTracker(t *testing.T) {
	tr, tracker := newTestTree(nil)
	desc := &fakeDescriptor{uuid: "t1"}

	tr.Send(NewTask{Ctx: task.ExecutionContext{TaskUUID: "t1"}, Task: desc})
	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess})
	tr.Send(CloseTask{TaskUUID: "t1"})

	require.Len(t, tracker.received, 1)
	assert.Equal(t, CloseTask{TaskUUID: "t1"}, tracker.received[0])
}

func TestTreeCloseOnUnfinishedTaskStopsFirstThenWaitsForFinish(t *testing.T) {
	ctrl := &recordingSendable{}
	tr, tracker := newTestTree(nil)
	desc := &fakeDescriptor{uuid: "t1"}

	tr.Send(NewTask{
		Ctx: task.ExecutionContext{
			TaskUUID:       "t1",
			ControllerAddr: task.ControllerAddr{Controller: ctrl},
		},
		Task: desc,
	})
	tr.Send(CloseTask{TaskUUID: "t1"})

	require.Len(t, ctrl.received, 1)
	assert.Equal(t, StopTask{TaskUUID: "t1"}, ctrl.received[0])
	assert.Empty(t, tracker.received, "not finished yet, close must not have completed")

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess})

	require.Len(t, tracker.received, 1)
	assert.Equal(t, CloseTask{TaskUUID: "t1"}, tracker.received[0])
}

func TestTreeRestartReissuesUUIDThroughProcessor(t *testing.T) {
	proc := &recordingProcessor{}
	tr, _ := newTestTree(proc)
	desc := &fakeDescriptor{uuid: "t1"}

	tr.Send(NewTask{Ctx: task.ExecutionContext{TaskUUID: "t1"}, Task: desc})
	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess})
	tr.Send(RestartTask{TaskUUID: "t1"})

	require.Len(t, proc.calls, 1)
	assert.Equal(t, "restarted-t1", proc.calls[0].TaskUUID)
}

func TestTreeStopCascadesToChildrenBeforeParent(t *testing.T) {
	parentCtrl := &recordingSendable{}
	childCtrl := &recordingSendable{}
	tr, _ := newTestTree(nil)

	tr.Send(NewTask{
		Ctx:  task.ExecutionContext{TaskUUID: "parent", ControllerAddr: task.ControllerAddr{Controller: parentCtrl}},
		Task: &fakeDescriptor{uuid: "parent"},
	})
	tr.Send(NewTask{
		Ctx:  task.ExecutionContext{TaskUUID: "child", ParentTaskUUID: "parent", ControllerAddr: task.ControllerAddr{Controller: childCtrl}},
		Task: &fakeDescriptor{uuid: "child"},
	})

	tr.Send(StopTask{TaskUUID: "parent"})

	require.Len(t, childCtrl.received, 1)
	require.Len(t, parentCtrl.received, 1)
	assert.Equal(t, StopTask{TaskUUID: "child"}, childCtrl.received[0])
	assert.Equal(t, StopTask{TaskUUID: "parent"}, parentCtrl.received[0])
}

func TestTreeControlMessageRoutesToCommand(t *testing.T) {
	ctrl := &recordingSendable{}
	tr, _ := newTestTree(nil)

	tr.Send(NewTask{
		Ctx:  task.ExecutionContext{TaskUUID: "t1", ControllerAddr: task.ControllerAddr{Controller: ctrl}},
		Task: &fakeDescriptor{uuid: "t1"},
	})
	tr.Send(message.ControlMessage{Cmd: message.CmdStopTask, Data: "t1"})

	require.Len(t, ctrl.received, 1)
	assert.Equal(t, StopTask{TaskUUID: "t1"}, ctrl.received[0])
}
