package registry

import (
	"sync"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

// ControlRegistry is the directory from entity id to the recipient of its
// control messages (task tree, task tracker, control trackers, ...).
// Lookups are read-heavy; mutation only happens at register/unregister.
type ControlRegistry struct {
	mu       sync.RWMutex
	entities map[string]task.Sendable
}

// NewControlRegistry builds an empty registry.
func NewControlRegistry() *ControlRegistry {
	return &ControlRegistry{entities: make(map[string]task.Sendable)}
}

// RegisterEntity binds id to recipient, replacing any previous binding.
func (r *ControlRegistry) RegisterEntity(id string, recipient task.Sendable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[id] = recipient
}

// UnregisterEntity removes id's binding, if any.
func (r *ControlRegistry) UnregisterEntity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, id)
}

// SendToEntity routes msg to the recipient registered for msg.Dest(),
// logging and dropping when there is none.
func (r *ControlRegistry) SendToEntity(msg message.ControlMessage) {
	r.mu.RLock()
	recipient, ok := r.entities[msg.Dest()]
	r.mu.RUnlock()

	if !ok {
		logx.WithComponent("control_registry").Warn().
			Str("dest", msg.Dest()).
			Str("cmd", msg.Cmd).
			Msg("dropping control message for unregistered entity")
		return
	}

	recipient.Send(msg)
}

// SendGeneric routes an arbitrary message to the entity registered under
// entityID — used by the center dispatcher for non-control App messages,
// where the payload isn't necessarily a ControlMessage.
func (r *ControlRegistry) SendGeneric(entityID string, msg any) {
	r.mu.RLock()
	recipient, ok := r.entities[entityID]
	r.mu.RUnlock()

	if !ok {
		logx.WithComponent("control_registry").Warn().
			Str("entity_id", entityID).
			Msg("dropping message for unregistered entity")
		return
	}

	recipient.Send(msg)
}

var (
	defaultOnce sync.Once
	defaultReg  *ControlRegistry
)

// Default returns the process-wide control registry singleton.
func Default() *ControlRegistry {
	defaultOnce.Do(func() { defaultReg = NewControlRegistry() })
	return defaultReg
}
