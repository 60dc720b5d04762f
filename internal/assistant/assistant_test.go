package assistant

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

type capturingSink struct {
	mu  sync.Mutex
	got []any
}

func (c *capturingSink) Send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
}

func (c *capturingSink) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.got))
	copy(out, c.got)
	return out
}

func waitForLen(t *testing.T, sink *capturingSink, n int) []any {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if msgs := sink.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(sink.messages()))
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAssistantRestartsOnFinishedFailureAfterDelay(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(TaskRecovery{TaskUUID: "t1", RestartDelay: 20 * time.Millisecond})
	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedFailure})

	msgs := waitForLen(t, sink, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, tree.RestartTask{TaskUUID: "t1"}, msgs[0])
}

func TestAssistantRestartsImmediatelyWhenDelayIsZero(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(TaskRecovery{TaskUUID: "t1", RestartDelay: 0})
	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedFailure})

	msgs := waitForLen(t, sink, 1)
	assert.Equal(t, tree.RestartTask{TaskUUID: "t1"}, msgs[0])
}

func TestAssistantDoesNotRestartOnFinishedSuccess(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(TaskRecovery{TaskUUID: "t1", RestartDelay: 5 * time.Millisecond})
	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess})

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.messages())
}

func TestAssistantIgnoresNonTerminalUpdates(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(TaskRecovery{TaskUUID: "t1", RestartDelay: 5 * time.Millisecond})
	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.messages(), "a running update must not consume or fire the policy")

	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedFailure})
	waitForLen(t, sink, 1)
}

func TestAssistantForgetCancelsPendingRestart(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(TaskRecovery{TaskUUID: "t1", RestartDelay: 30 * time.Millisecond})
	a.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedFailure})
	a.Send(Forget{TaskUUID: "t1"})

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, sink.messages(), "forgetting before the timer fires must cancel the restart")
}

func TestAssistantWithoutRegisteredPolicyIgnoresUpdate(t *testing.T) {
	sink := &capturingSink{}
	a := New(sink)

	a.Send(task.Update{TaskUUID: "unregistered", Status: task.StatusFinishedFailure})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.messages())
}
