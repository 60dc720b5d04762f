// Package tracker implements the task tracker (§4.9): the central pub/sub
// hub for task updates, replaying cached center messages on demand and
// fanning every update out to subscribers, the task tree, the task
// assistant, and the app state in a fixed, invariant-preserving order.
package tracker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

// CenterSender publishes a center-bus payload.
type CenterSender interface {
	Send(payload message.CenterPayload)
}

// replayOrder is the fixed order send_center_messages walks the cache in
// (§4.9, "Replay").
var replayOrder = [...]task.UpdateTag{task.TagStarted, task.TagUpdated, task.TagFinished, task.TagQuestion}

type item struct {
	name           string
	subscribers    map[string]task.Sendable
	centerMessages map[task.UpdateTag]*message.CenterPayload
}

func newItem() *item {
	return &item{
		subscribers:    make(map[string]task.Sendable),
		centerMessages: make(map[task.UpdateTag]*message.CenterPayload),
	}
}

// Tracker is the process-wide task update hub.
type Tracker struct {
	mu sync.Mutex

	items              map[string]*item
	taskUpdateRecipients map[string]task.Sendable
	subscribersByName  map[string]map[string]task.Sendable

	center    CenterSender
	treeAddr  task.Sendable
	assistant task.Sendable
	appstate  task.Sendable

	log zerolog.Logger
}

var _ task.Sendable = (*Tracker)(nil)

// New builds an empty tracker. treeAddr, assistant, and appstate are the
// three recipients every update unconditionally fans out to (§4.9 step 5);
// any may be nil in a partially-wired test setup.
func New(center CenterSender, treeAddr, assistant, appstate task.Sendable) *Tracker {
	return &Tracker{
		items:                make(map[string]*item),
		taskUpdateRecipients: make(map[string]task.Sendable),
		subscribersByName:    make(map[string]map[string]task.Sendable),
		center:               center,
		treeAddr:             treeAddr,
		assistant:            assistant,
		appstate:             appstate,
		log:                  logx.WithComponent("tracker").Logger(),
	}
}

// Send implements task.Sendable.
func (t *Tracker) Send(msg any) {
	switch m := msg.(type) {
	case task.Update:
		t.handleTaskUpdate(m)
	case tree.CloseTask:
		t.handleCloseTask(m.TaskUUID)
	case message.ControlMessage:
		t.handleControlMessage(m)
	default:
		t.log.Warn().Msg("tracker: ignoring message of unexpected type")
	}
}

func (t *Tracker) handleControlMessage(m message.ControlMessage) {
	if m.Cmd != message.CmdSendCenterMessages {
		return
	}
	t.sendCenterMessages(m.OrigID)
}

func (t *Tracker) sendCenterMessages(taskUUID string) {
	t.mu.Lock()
	it, ok := t.items[taskUUID]
	var cached []message.CenterPayload
	if ok {
		for _, tag := range replayOrder {
			if cp, ok := it.centerMessages[tag]; ok {
				cached = append(cached, *cp)
			}
		}
	}
	t.mu.Unlock()

	if t.center == nil {
		return
	}
	for _, cp := range cached {
		t.center.Send(cp)
	}
}

// DismissTaskQuestion removes the cached Question-tagged center message
// for taskUUID.
func (t *Tracker) DismissTaskQuestion(taskUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.items[taskUUID]; ok {
		delete(it.centerMessages, task.TagQuestion)
	}
}

// SubscribeByUUID subscribes subscriberID, via recipient, to updates for
// one task uuid. Ignored if subscriberID is already subscribed by name to
// that task's name.
func (t *Tracker) SubscribeByUUID(taskUUID, subscriberID string, recipient task.Sendable) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.items[taskUUID]
	if !ok {
		it = newItem()
		t.items[taskUUID] = it
	}

	if byName, ok := t.subscribersByName[it.name]; ok {
		if _, already := byName[subscriberID]; already {
			return
		}
	}
	it.subscribers[subscriberID] = recipient
}

// SubscribeByName subscribes subscriberID, via recipient, to every task
// whose name matches taskName.
func (t *Tracker) SubscribeByName(taskName, subscriberID string, recipient task.Sendable) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.subscribersByName[taskName]
	if !ok {
		m = make(map[string]task.Sendable)
		t.subscribersByName[taskName] = m
	}
	m[subscriberID] = recipient
}

// SubscribeNoAddr subscribes subscriberID by uuid using its previously
// registered recipient (RegisterTaskUpdateRecipient), rather than one
// passed explicitly.
func (t *Tracker) SubscribeNoAddr(taskUUID, subscriberID string) {
	t.mu.Lock()
	recipient, ok := t.taskUpdateRecipients[subscriberID]
	t.mu.Unlock()
	if !ok {
		t.log.Warn().Str("subscriber_id", subscriberID).Msg("tracker: no registered recipient for subscribe_no_addr")
		return
	}
	t.SubscribeByUUID(taskUUID, subscriberID, recipient)
}

// Unsubscribe removes subscriberID from taskUUID's item, if present.
func (t *Tracker) Unsubscribe(taskUUID, subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.items[taskUUID]; ok {
		delete(it.subscribers, subscriberID)
	}
}

// UnsubscribeByName removes subscriberID from taskName's by-name set.
// taskName must be nonempty.
func (t *Tracker) UnsubscribeByName(taskName, subscriberID string) {
	if taskName == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.subscribersByName[taskName]; ok {
		delete(m, subscriberID)
	}
}

// RegisterTaskUpdateRecipient binds subscriberID to recipient for later
// SubscribeNoAddr calls. Re-registering an id that is already bound is
// fatal, matching the original implementation's panic.
func (t *Tracker) RegisterTaskUpdateRecipient(subscriberID string, recipient task.Sendable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.taskUpdateRecipients[subscriberID]; exists {
		t.log.Fatal().Str("subscriber_id", subscriberID).Msg("duplicate task update recipient registration")
		return
	}
	t.taskUpdateRecipients[subscriberID] = recipient
}

// UnregisterTaskUpdateRecipient removes a previously registered recipient.
func (t *Tracker) UnregisterTaskUpdateRecipient(subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taskUpdateRecipients, subscriberID)
}

func (t *Tracker) handleTaskUpdate(u task.Update) {
	metrics.TrackerUpdatesTotal.WithLabelValues(u.Tag.String()).Inc()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TrackerFanoutDuration)

	t.mu.Lock()
	it, ok := t.items[u.TaskUUID]
	if !ok {
		it = newItem()
		t.items[u.TaskUUID] = it
	}
	it.name = u.Name

	lite := u.Lite()
	perUUIDSubs := recipientValues(it.subscribers)

	if u.CenterMessage != nil {
		it.centerMessages[u.Tag] = u.CenterMessage
	}
	byNameSubs := recipientValues(t.subscribersByName[u.Name])
	t.mu.Unlock()

	// Fan-out order is an invariant (§5, "Ordering guarantees"): per-uuid
	// subscribers, then the center publish, then by-name subscribers,
	// then the tree/assistant/app state.
	for _, r := range perUUIDSubs {
		r.Send(lite)
	}

	if u.CenterMessage != nil && t.center != nil {
		t.center.Send(*u.CenterMessage)
	}

	for _, r := range byNameSubs {
		r.Send(lite)
	}

	if t.treeAddr != nil {
		t.treeAddr.Send(lite)
	}
	if t.assistant != nil {
		t.assistant.Send(lite)
	}
	if t.appstate != nil {
		t.appstate.Send(lite)
	}

	if u.Status.Finished() {
		t.mu.Lock()
		for _, other := range t.items {
			delete(other.subscribers, u.TaskUUID)
		}
		for _, byName := range t.subscribersByName {
			delete(byName, u.TaskUUID)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) handleCloseTask(taskUUID string) {
	t.mu.Lock()
	delete(t.items, taskUUID)
	t.mu.Unlock()

	if t.center != nil {
		t.center.Send(message.NewCenterPayload(message.DestCenter, message.SubjectTaskStatusReport,
			taskUUID, "closed", nil))
	}
	if t.appstate != nil {
		t.appstate.Send(tree.CloseTask{TaskUUID: taskUUID})
	}
}

func recipientValues(m map[string]task.Sendable) []task.Sendable {
	out := make([]task.Sendable, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}
