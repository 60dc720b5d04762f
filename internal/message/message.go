// Package message defines the wire and in-process payload shapes that flow
// between routers, dispatchers, controllers, and the task subsystem.
package message

import "time"

// RawFrame is the transport-level unit: an opaque identity tag plus a
// UTF-8 body. The identity is meaningless above the router layer.
type RawFrame struct {
	Identity []byte
	Body     []byte
}

// Envelope wraps a decoded payload with the identity it arrived under and
// the time it was received. Identity and CreatedAt are never serialized;
// identity is attached on receive, CreatedAt is stamped on receive.
type Envelope[T any] struct {
	Identity  []byte
	Payload   T
	CreatedAt time.Time
}

// NewEnvelope stamps CreatedAt to now.
func NewEnvelope[T any](identity []byte, payload T) Envelope[T] {
	return Envelope[T]{Identity: identity, Payload: payload, CreatedAt: time.Now()}
}

// Dest is the center-message routing destination.
type Dest string

const (
	DestApp     Dest = "app"
	DestCenter  Dest = "center"
	DestUnknown Dest = "unknown"
)

// Subject is the center-message kind.
type Subject string

const (
	SubjectAppStatusReport    Subject = "app_status_report"
	SubjectTaskStatusReport   Subject = "task_status_report"
	SubjectTaskStatusUpdate   Subject = "task_status_update"
	SubjectTaskResult         Subject = "task_result"
	SubjectTaskQuestion       Subject = "task_question"
	SubjectControl            Subject = "control"
	SubjectUnknown            Subject = "unknown"
)

// CenterPayload is the shape of every message exchanged with the center bus.
type CenterPayload struct {
	Dest     Dest        `json:"dest"`
	Subject  Subject     `json:"subject"`
	EntityID string      `json:"entity_id"`
	Message  string      `json:"message"`
	Data     any         `json:"data,omitempty"`
	TS       time.Time   `json:"ts"`
}

// NewCenterPayload builds a CenterPayload stamped with the current time.
func NewCenterPayload(dest Dest, subject Subject, entityID, msg string, data any) CenterPayload {
	return CenterPayload{
		Dest:     dest,
		Subject:  subject,
		EntityID: entityID,
		Message:  msg,
		Data:     data,
		TS:       time.Now().UTC(),
	}
}

// WorkerDest is the worker-message routing destination.
type WorkerDest string

const (
	WorkerDestController  WorkerDest = "controller"
	WorkerDestClient      WorkerDest = "client"
	WorkerDestWorker      WorkerDest = "worker"
	WorkerDestExternalIn  WorkerDest = "external_in"
	WorkerDestExternalOut WorkerDest = "external_out"
	WorkerDestUnknown     WorkerDest = "unknown"
)

// WorkerPayload is the shape of every message exchanged on the worker bus.
type WorkerPayload struct {
	Dest     WorkerDest `json:"dest"`
	WorkerID string     `json:"worker_id"`
	TaskUUID string     `json:"task_uuid"`
	Plugin   string     `json:"plugin,omitempty"`
	Data     any        `json:"data,omitempty"`
}

// dataMap narrows Data into a map for the convenience accessors below. Data
// is free-form at rest; the accessors only succeed when it happens to carry
// the expected key.
func (w WorkerPayload) dataMap() (map[string]any, bool) {
	m, ok := w.Data.(map[string]any)
	return m, ok
}

// TaskResult extracts the "task_result" key from Data, if present.
func (w WorkerPayload) TaskResult() (any, bool) {
	m, ok := w.dataMap()
	if !ok {
		return nil, false
	}
	v, ok := m["task_result"]
	return v, ok
}

// TaskQuestion extracts the "task_question" key from Data, if present.
func (w WorkerPayload) TaskQuestion() (any, bool) {
	m, ok := w.dataMap()
	if !ok {
		return nil, false
	}
	v, ok := m["task_question"]
	return v, ok
}

// Error extracts the "error" key from Data, if present.
func (w WorkerPayload) Error() (any, bool) {
	m, ok := w.dataMap()
	if !ok {
		return nil, false
	}
	v, ok := m["error"]
	return v, ok
}

// ControllerSubject is the controller<->worker-process wire vocabulary.
type ControllerSubject string

const (
	ControllerSubjectStarted           ControllerSubject = "started"
	ControllerSubjectReady             ControllerSubject = "ready"
	ControllerSubjectPluginReady       ControllerSubject = "plugin_ready"
	ControllerSubjectError             ControllerSubject = "error"
	ControllerSubjectHeartbeatRequest  ControllerSubject = "heartbeat_request"
	ControllerSubjectHeartbeatResponse ControllerSubject = "heartbeat_response"
	ControllerSubjectControlRequest    ControllerSubject = "control_request"
	ControllerSubjectControlResponse   ControllerSubject = "control_response"
	ControllerSubjectSetupPlugin       ControllerSubject = "setup_plugin"
)

// ControllerMessage is the envelope {subject, details} layered inside a
// WorkerPayload's Data field for controller<->worker-process traffic.
type ControllerMessage struct {
	Subject ControllerSubject `json:"subject"`
	Details any               `json:"details,omitempty"`
}

// ControlType distinguishes a control request from its response.
type ControlType string

const (
	ControlTypeRequest  ControlType = "request"
	ControlTypeResponse ControlType = "response"
)

// ControlMessage is a correlated request/response pair routed through the
// control registry. DestID addresses requests; OrigID addresses responses
// back to the sender of the original request.
type ControlMessage struct {
	UUID   string      `json:"uuid"`
	Type   ControlType `json:"type"`
	DestID string      `json:"dest_id,omitempty"`
	OrigID string      `json:"orig_id,omitempty"`
	Cmd    string      `json:"cmd,omitempty"`
	Data   any         `json:"data,omitempty"`
}

// Dest returns the routing destination for this control message: DestID for
// a request, OrigID for a response.
func (c ControlMessage) Dest() string {
	if c.Type == ControlTypeResponse {
		return c.OrigID
	}
	return c.DestID
}

// ResponseResult is the shape of a control response's Data field.
type ResponseResult struct {
	Result  bool   `json:"result"`
	Details string `json:"details,omitempty"`
}

// Control command vocabulary (ControlMessage.Cmd values).
const (
	CmdStopTask            = "stop_task"
	CmdCloseTask           = "close_task"
	CmdRestartTask         = "restart_task"
	CmdTaskAnswer          = "task_answer"
	CmdSendCenterMessages  = "send_center_messages"
)
