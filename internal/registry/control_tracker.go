package registry

import (
	"sync"
	"time"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
)

// trackerItem is a single outstanding control request awaiting its
// response.
type trackerItem struct {
	request   message.ControlMessage
	createdAt time.Time
	success   bool
	response  *message.ResponseResult
}

// ControlMessageTracker correlates outbound control requests with their
// eventual response, keyed by the request's uuid. Grounded on
// src/control/message_tracker.rs.
type ControlMessageTracker struct {
	mu    sync.Mutex
	items map[string]*trackerItem

	// centerSend re-publishes a handled response onto the center bus.
	// Preserves the original's undocumented echo-back behavior (Open
	// Question — kept verbatim, not redesigned).
	centerSend func(message.CenterPayload)
}

// NewControlMessageTracker builds a tracker. centerSend may be nil, in
// which case HandleResponse skips the echo.
func NewControlMessageTracker(centerSend func(message.CenterPayload)) *ControlMessageTracker {
	return &ControlMessageTracker{
		items:      make(map[string]*trackerItem),
		centerSend: centerSend,
	}
}

// SendRequest registers req as outstanding. Sending the same uuid twice is
// a programming error in the original and remains fatal here.
func (t *ControlMessageTracker) SendRequest(req message.ControlMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.items[req.UUID]; exists {
		logx.WithComponent("control_tracker").Fatal().
			Str("uuid", req.UUID).
			Msg("tried to send a command message multiple times")
		return
	}

	t.items[req.UUID] = &trackerItem{request: req, createdAt: time.Now()}
}

// HandleResponse resolves the outstanding request matching resp.OrigID. It
// echoes the response back through the center bus exactly as the original
// does — the rationale was never documented there either.
func (t *ControlMessageTracker) HandleResponse(resp message.ControlMessage) {
	t.mu.Lock()
	item, ok := t.items[resp.OrigID]
	if !ok {
		t.mu.Unlock()
		logx.WithComponent("control_tracker").Warn().
			Str("orig_id", resp.OrigID).
			Msg("received response for unknown control request")
		return
	}

	result, _ := resp.Data.(message.ResponseResult)
	item.success = result.Result
	item.response = &result
	t.mu.Unlock()

	if t.centerSend != nil {
		t.centerSend(message.NewCenterPayload(
			message.DestCenter,
			message.SubjectControl,
			resp.OrigID,
			"control response",
			resp,
		))
	}
}

// ClearUnresponded is defined empty in the original, with no documented
// intent. Preserved as a no-op (Open Question).
func (t *ControlMessageTracker) ClearUnresponded() {
}
