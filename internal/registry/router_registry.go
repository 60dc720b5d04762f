package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

// routerEntry pairs a shutdown flag with a representative connector used
// to wake the router's poll loop so the flag is observed promptly.
type routerEntry struct {
	shutdown  atomic.Bool
	connector task.Sendable
}

// RouterRegistry maps router backend addresses to a shutdown flag and a
// representative connector, per §5's "Shared resources" list.
type RouterRegistry struct {
	mu      sync.RWMutex
	routers map[string]*routerEntry
}

// NewRouterRegistry builds an empty registry.
func NewRouterRegistry() *RouterRegistry {
	return &RouterRegistry{routers: make(map[string]*routerEntry)}
}

// Register associates a backend address with its representative
// connector, creating the entry if needed.
func (r *RouterRegistry) Register(backendAddr string, connector task.Sendable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.routers[backendAddr]
	if !ok {
		e = &routerEntry{}
		r.routers[backendAddr] = e
	}
	e.connector = connector
}

// Shutdown sets the shutdown flag for backendAddr and sends a dummy frame
// through its representative connector to wake the poll loop.
func (r *RouterRegistry) Shutdown(backendAddr string) {
	r.mu.RLock()
	e, ok := r.routers[backendAddr]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.shutdown.Store(true)
	if e.connector != nil {
		e.connector.Send(message.RawFrame{})
	}
}

// ShouldShutdown reports whether backendAddr's shutdown flag is set.
func (r *RouterRegistry) ShouldShutdown(backendAddr string) bool {
	r.mu.RLock()
	e, ok := r.routers[backendAddr]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.shutdown.Load()
}
