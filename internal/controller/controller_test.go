package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []message.WorkerPayload
}

func (d *fakeDispatcher) SendOutbound(identity []byte, payload message.WorkerPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, payload)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDispatcher) last() message.WorkerPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[len(d.sent)-1]
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []message.ControlMessage
}

func (r *fakeRelay) SendToEntity(msg message.ControlMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type fakeClient struct {
	mu   sync.Mutex
	recv []message.WorkerPayload
}

func (c *fakeClient) Send(msg any) {
	p, ok := msg.(message.WorkerPayload)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = append(c.recv, p)
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recv)
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeDispatcher, *arbiter.Pool) {
	t.Helper()
	pool := arbiter.NewPool(1)
	t.Cleanup(pool.Shutdown)
	disp := &fakeDispatcher{}
	cfg.External = true // skip subprocess spawn
	c := New(cfg, pool.At(0), disp, &fakeRelay{}, nil, nil)
	return c, disp, pool
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func sendControllerFrame(c *Controller, identity []byte, data map[string]any) {
	c.Send(message.Envelope[message.WorkerPayload]{
		Identity: identity,
		Payload: message.WorkerPayload{
			Dest: message.WorkerDestController,
			Data: data,
		},
	})
}

func TestControllerStartedThenReadyTransitionsState(t *testing.T) {
	c, _, _ := newTestController(t, Config{WorkerID: "w1"})

	sendControllerFrame(c, []byte("id1"), map[string]any{"subject": "started"})
	waitFor(t, func() bool { return c.State() == Ready })
}

func TestControllerReservationOnlyWhileEligible(t *testing.T) {
	c, _, _ := newTestController(t, Config{WorkerID: "w1"})

	assert.True(t, c.ReserveForTask("t1"), "External Initial state is eligible for reservation")

	sendControllerFrame(c, []byte("id1"), map[string]any{"subject": "started"})
	waitFor(t, func() bool { return c.State() == Ready })

	assert.True(t, c.ReserveForTask("t2"))
}

func TestControllerAdmissionDelaysUntilClientRegistered(t *testing.T) {
	c, disp, _ := newTestController(t, Config{WorkerID: "w1", SimpleProtocol: true})

	c.SendToWorker("t1", message.WorkerPayload{TaskUUID: "t1", Plugin: "basic"})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, disp.count(), "must not dispatch before the client is registered")

	c.RegisterClient("t1", "task-name", &fakeClient{})
	waitFor(t, func() bool { return disp.count() == 1 })
	assert.Equal(t, "t1", disp.last().TaskUUID)
}

func TestControllerSimpleProtocolBypassesReadinessGate(t *testing.T) {
	c, disp, _ := newTestController(t, Config{WorkerID: "w1", SimpleProtocol: true})

	c.RegisterClient("t1", "task-name", &fakeClient{})
	c.SendToWorker("t1", message.WorkerPayload{TaskUUID: "t1"})

	waitFor(t, func() bool { return disp.count() == 1 })
	assert.Equal(t, Initial, c.State(), "simple protocol never toggles Busy/Ready bookkeeping")
}

func TestControllerNonSimpleProtocolQueuesUntilReady(t *testing.T) {
	c, disp, _ := newTestController(t, Config{WorkerID: "w1", SimpleProtocol: false})

	c.RegisterClient("t1", "task-name", &fakeClient{})
	c.SendToWorker("t1", message.WorkerPayload{TaskUUID: "t1", Plugin: "basic"})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, disp.count(), "must queue until the controller reaches Ready")

	sendControllerFrame(c, []byte("id1"), map[string]any{"subject": "started"})
	sendControllerFrame(c, []byte("id1"), map[string]any{"subject": "plugin_ready", "details": "basic"})
	waitFor(t, func() bool { return disp.count() >= 1 })
}

func TestControllerDeliversReplyToRegisteredClient(t *testing.T) {
	c, _, _ := newTestController(t, Config{WorkerID: "w1"})

	fc := &fakeClient{}
	c.RegisterClient("t1", "task-name", fc)

	c.Send(message.Envelope[message.WorkerPayload]{
		Identity: []byte("worker-id"),
		Payload: message.WorkerPayload{
			Dest:     message.WorkerDestClient,
			TaskUUID: "t1",
			Data:     "result",
		},
	})

	waitFor(t, func() bool { return fc.count() == 1 })
}

func TestControllerBufferesReplyUntilClientRegisters(t *testing.T) {
	c, _, _ := newTestController(t, Config{WorkerID: "w1"})

	c.Send(message.Envelope[message.WorkerPayload]{
		Identity: []byte("worker-id"),
		Payload: message.WorkerPayload{
			Dest:     message.WorkerDestClient,
			TaskUUID: "t1",
			Data:     "result",
		},
	})
	time.Sleep(20 * time.Millisecond)

	fc := &fakeClient{}
	c.RegisterClient("t1", "task-name", fc)
	waitFor(t, func() bool { return fc.count() == 1 })
}

func TestControllerCloseTaskRemovesRegistration(t *testing.T) {
	c, _, _ := newTestController(t, Config{WorkerID: "w1"})

	fc := &fakeClient{}
	c.RegisterClient("t1", "task-name", fc)
	c.CloseTask("t1")

	reply := make(chan struct{})
	c.arbiter.Post(func() { close(reply) })
	<-reply

	c.Send(message.Envelope[message.WorkerPayload]{
		Identity: []byte("worker-id"),
		Payload:  message.WorkerPayload{Dest: message.WorkerDestClient, TaskUUID: "t1"},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, fc.count())
}

func TestControllerStopTaskDispatchesControlRequest(t *testing.T) {
	c, disp, _ := newTestController(t, Config{WorkerID: "w1"})

	c.StopTask("t1")
	waitFor(t, func() bool { return disp.count() == 1 })

	ctl, ok := disp.last().Data.(message.ControllerMessage)
	require.True(t, ok)
	assert.Equal(t, message.ControllerSubjectControlRequest, ctl.Subject)
}

var _ task.Sendable = (*fakeClient)(nil)
