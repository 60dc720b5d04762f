package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recordingSink) Send(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type recordingCenter struct {
	mu   sync.Mutex
	msgs []message.CenterPayload
}

func (c *recordingCenter) Send(p message.CenterPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, p)
}

func TestTrackerFansOutToTreeAssistantAndAppstate(t *testing.T) {
	treeSink := &recordingSink{}
	assistantSink := &recordingSink{}
	appstateSink := &recordingSink{}
	tr := New(nil, treeSink, assistantSink, appstateSink)

	tr.Send(task.Update{TaskUUID: "t1", Name: "n1", Status: task.StatusRunning, Tag: task.TagStarted})

	assert.Equal(t, 1, treeSink.count())
	assert.Equal(t, 1, assistantSink.count())
	assert.Equal(t, 1, appstateSink.count())
}

func TestTrackerDeliversToUUIDSubscriberWithCenterMessageStripped(t *testing.T) {
	tr := New(nil, nil, nil, nil)

	sub := &recordingSink{}
	tr.SubscribeByUUID("t1", "sub1", sub)

	cp := message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport, "t1", "running", nil)
	tr.Send(task.Update{TaskUUID: "t1", Name: "n1", Status: task.StatusRunning, Tag: task.TagStarted, CenterMessage: &cp})

	require.Equal(t, 1, sub.count())
	u := sub.msgs[0].(task.Update)
	assert.Nil(t, u.CenterMessage, "per-uuid subscribers get the lite update without the center message")
}

func TestTrackerPublishesCenterMessageWhenPresent(t *testing.T) {
	center := &recordingCenter{}
	tr := New(center, nil, nil, nil)

	cp := message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport, "t1", "running", nil)
	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagStarted, CenterMessage: &cp})

	require.Len(t, center.msgs, 1)
	assert.Equal(t, "t1", center.msgs[0].EntityID)
}

func TestTrackerSubscribeByNameReceivesMatchingUpdates(t *testing.T) {
	tr := New(nil, nil, nil, nil)

	sub := &recordingSink{}
	tr.SubscribeByName("my-task", "sub1", sub)

	tr.Send(task.Update{TaskUUID: "t1", Name: "my-task", Status: task.StatusRunning, Tag: task.TagStarted})
	tr.Send(task.Update{TaskUUID: "t2", Name: "other-task", Status: task.StatusRunning, Tag: task.TagStarted})

	assert.Equal(t, 1, sub.count())
}

func TestTrackerUnsubscribeByUUIDStopsDelivery(t *testing.T) {
	tr := New(nil, nil, nil, nil)

	sub := &recordingSink{}
	tr.SubscribeByUUID("t1", "sub1", sub)
	tr.Unsubscribe("t1", "sub1")

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagStarted})
	assert.Equal(t, 0, sub.count())
}

func TestTrackerFinishedStatusClearsSubscriberKeyedByTaskUUID(t *testing.T) {
	// handleTaskUpdate's finished-status sweep deletes the subscriber whose
	// id equals the finished task's uuid from every item — the pattern this
	// serves is a parent task subscribed to its own child under its own
	// uuid as subscriber id.
	tr := New(nil, nil, nil, nil)

	other := &recordingSink{}
	tr.SubscribeByUUID("t2", "t1", other)

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess, Tag: task.TagFinished})
	tr.Send(task.Update{TaskUUID: "t2", Status: task.StatusRunning, Tag: task.TagStarted})

	assert.Equal(t, 0, other.count(), "subscriber id t1 was swept when task t1 finished")
}

func TestTrackerSendCenterMessagesReplaysInFixedOrder(t *testing.T) {
	center := &recordingCenter{}
	tr := New(center, nil, nil, nil)

	started := message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport, "t1", "started", nil)
	finished := message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport, "t1", "finished", nil)

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagStarted, CenterMessage: &started})
	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusFinishedSuccess, Tag: task.TagFinished, CenterMessage: &finished})

	center.mu.Lock()
	center.msgs = nil
	center.mu.Unlock()

	tr.Send(message.ControlMessage{Cmd: message.CmdSendCenterMessages, OrigID: "t1"})

	require.Len(t, center.msgs, 2)
	assert.Equal(t, "started", center.msgs[0].Message)
	assert.Equal(t, "finished", center.msgs[1].Message)
}

func TestTrackerDismissTaskQuestionRemovesCachedQuestion(t *testing.T) {
	center := &recordingCenter{}
	tr := New(center, nil, nil, nil)

	question := message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport, "t1", "question", nil)
	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagQuestion, CenterMessage: &question})

	tr.DismissTaskQuestion("t1")

	center.mu.Lock()
	center.msgs = nil
	center.mu.Unlock()

	tr.Send(message.ControlMessage{Cmd: message.CmdSendCenterMessages, OrigID: "t1"})
	assert.Empty(t, center.msgs)
}

func TestTrackerHandleCloseTaskRemovesItemAndNotifiesAppstate(t *testing.T) {
	appstateSink := &recordingSink{}
	center := &recordingCenter{}
	tr := New(center, nil, nil, appstateSink)

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagStarted})
	tr.Send(tree.CloseTask{TaskUUID: "t1"})

	require.Equal(t, 2, len(appstateSink.msgs), "the started update, then the close")
	ct, ok := appstateSink.msgs[len(appstateSink.msgs)-1].(tree.CloseTask)
	require.True(t, ok)
	assert.Equal(t, "t1", ct.TaskUUID)

	require.NotEmpty(t, center.msgs)
	assert.Equal(t, "closed", center.msgs[len(center.msgs)-1].Message)
}

func TestTrackerSubscribeNoAddrUsesRegisteredRecipient(t *testing.T) {
	tr := New(nil, nil, nil, nil)

	sub := &recordingSink{}
	tr.RegisterTaskUpdateRecipient("sub1", sub)
	tr.SubscribeNoAddr("t1", "sub1")

	tr.Send(task.Update{TaskUUID: "t1", Status: task.StatusRunning, Tag: task.TagStarted})
	assert.Equal(t, 1, sub.count())
}

func TestTrackerSubscribeNoAddrWithoutRegistrationIsANoop(t *testing.T) {
	tr := New(nil, nil, nil, nil)

	assert.NotPanics(t, func() {
		tr.SubscribeNoAddr("t1", "unregistered")
	})
}
