// Package connector implements the single point of egress toward one
// router, owned by an actor (§4.2).
package connector

import (
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/registry"
	"github.com/cuemby/legion/internal/task"
)

// Backend is the router-side egress point a connector forwards frames to.
// internal/router.Router satisfies this via its Send method.
type Backend interface {
	Send(frame message.RawFrame)
}

// Connector owns one client socket connected to one router's backend. Its
// only handled message is a raw frame, sent on as two parts
// (identity, body).
type Connector struct {
	backend  Backend
	registry *registry.RouterRegistry
	id       string
}

// New builds a connector targeting backend, self-registering under id in
// the router registry (so shutdown can reach it and wake the router's poll
// loop).
func New(id string, backend Backend, reg *registry.RouterRegistry) *Connector {
	c := &Connector{backend: backend, registry: reg, id: id}
	if reg != nil {
		reg.Register(id, c)
	}
	return c
}

// Send implements task.Sendable; a RawFrame is forwarded to the backend
// unchanged, anything else is ignored.
func (c *Connector) Send(msg any) {
	frame, ok := msg.(message.RawFrame)
	if !ok {
		return
	}
	c.backend.Send(frame)
}

var _ task.Sendable = (*Connector)(nil)
