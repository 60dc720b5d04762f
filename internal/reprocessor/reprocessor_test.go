package reprocessor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/legion/internal/task"
)

type fakeWrapper struct {
	uuid     string
	workerID string
}

func (w *fakeWrapper) UpdateTaskUUID() string          { w.uuid = task.NewUUID(); return w.uuid }
func (w *fakeWrapper) TaskUUID() string                { return w.uuid }
func (w *fakeWrapper) WorkerID() string                { return w.workerID }
func (w *fakeWrapper) SetWorkerID(id string)            { w.workerID = id }
func (w *fakeWrapper) Name() string                     { return "fake" }
func (w *fakeWrapper) ExecuteInArbiter(int, task.ExecutionContext) {}

type fakeProcessor struct {
	processed []task.Wrapper
}

func (p *fakeProcessor) Process(w task.Wrapper, ctx task.ExecutionContext) {
	p.processed = append(p.processed, w)
}

func TestReprocessorDrainsFIFOInOrder(t *testing.T) {
	fp := &fakeProcessor{}
	r := New(fp)

	a := &fakeWrapper{uuid: "a"}
	b := &fakeWrapper{uuid: "b"}
	r.ReprocessTask(a, task.ExecutionContext{TaskUUID: "a"})
	r.ReprocessTask(b, task.ExecutionContext{TaskUUID: "b"})

	r.WorkerReady("any-worker")

	assert.Equal(t, []task.Wrapper{a, b}, fp.processed)
}

func TestReprocessorPrefersWorkerListOverFIFO(t *testing.T) {
	fp := &fakeProcessor{}
	r := New(fp)

	fifoTask := &fakeWrapper{uuid: "fifo"}
	pinned := &fakeWrapper{uuid: "pinned", workerID: "w1"}
	r.ReprocessTask(fifoTask, task.ExecutionContext{})
	r.ReprocessTask(pinned, task.ExecutionContext{})

	r.WorkerReady("w1")

	assert.Equal(t, []task.Wrapper{pinned}, fp.processed)

	r.WorkerReady("w1")
	assert.Equal(t, []task.Wrapper{pinned, fifoTask}, fp.processed, "w1's list was removed when it drained, so the second ready drains the shared FIFO")

	r.WorkerReady("w2")
	assert.Equal(t, []task.Wrapper{pinned, fifoTask}, fp.processed, "the shared FIFO is already empty, nothing new drains")
}
