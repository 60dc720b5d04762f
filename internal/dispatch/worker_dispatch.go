// Package dispatch implements the worker and center dispatchers (§4.3):
// they parse raw transport frames into typed messages and route by
// destination field.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

// ControllerDirectory resolves a worker id to the controller registered
// for it.
type ControllerDirectory interface {
	Lookup(workerID string) (task.Sendable, bool)
}

// BackendConnector is the egress point toward the worker-bus router.
type BackendConnector interface {
	Send(frame message.RawFrame)
}

// WorkerDispatcher decodes frames from the worker-bus router and routes
// them to the controller registered for their worker id, or serializes
// typed outbound messages for the backend connector.
type WorkerDispatcher struct {
	controllers ControllerDirectory
	backend     BackendConnector
}

// New builds a worker dispatcher.
func New(controllers ControllerDirectory, backend BackendConnector) *WorkerDispatcher {
	return &WorkerDispatcher{controllers: controllers, backend: backend}
}

// Dispatch implements router.Dispatcher: decode the frame, route by dest.
func (d *WorkerDispatcher) Dispatch(frame message.RawFrame) {
	var payload message.WorkerPayload
	if err := json.Unmarshal(frame.Body, &payload); err != nil {
		logx.Logger.Warn().Err(err).Msg("worker dispatcher: decode failed, dropping frame")
		return
	}

	switch payload.Dest {
	case message.WorkerDestController, message.WorkerDestClient:
		recipient, ok := d.controllers.Lookup(payload.WorkerID)
		if !ok {
			logx.Logger.Warn().Str("worker_id", payload.WorkerID).
				Msg("worker dispatcher: no controller registered, dropping")
			return
		}
		recipient.Send(message.NewEnvelope(frame.Identity, payload))
	case message.WorkerDestWorker:
		// Illegal direction inbound: Worker is outbound-only, addressed by
		// a client wanting to reach the worker process.
		logx.Logger.Warn().Msg("worker dispatcher: inbound frame addressed to Worker, dropping")
	default:
		logx.Logger.Warn().Str("dest", string(payload.Dest)).
			Msg("worker dispatcher: unknown destination, dropping")
	}
}

// SendOutbound serializes a typed outbound WorkerPayload addressed to a
// worker and hands it to the backend connector.
func (d *WorkerDispatcher) SendOutbound(identity []byte, payload message.WorkerPayload) error {
	if payload.Dest != message.WorkerDestWorker {
		return fmt.Errorf("worker dispatcher: outbound payload dest must be Worker, got %s", payload.Dest)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("worker dispatcher: encode outbound payload: %w", err)
	}

	d.backend.Send(message.RawFrame{Identity: identity, Body: body})
	return nil
}
