// Package task defines task definitions, execution context, and the
// status lifecycle shared by the tree, tracker, and assistant.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/legion/internal/message"
)

// Status is a task's lifecycle state. Terminal statuses never revert; a
// restart issues a fresh uuid rather than reviving the old one.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusSuspended
	StatusFinishedSuccess
	StatusFinishedFailure
)

// Finished reports whether s is a terminal status.
func (s Status) Finished() bool {
	return s == StatusFinishedSuccess || s == StatusFinishedFailure
}

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusFinishedSuccess:
		return "finished_success"
	case StatusFinishedFailure:
		return "finished_failure"
	default:
		return "unknown"
	}
}

// NewUUID generates a fresh task/message identifier.
func NewUUID() string {
	return uuid.NewString()
}

// Definition describes a task to be placed on a worker, generic over its
// plugin-specific parameter type P.
type Definition[P any] struct {
	ExecutorPath   string
	Params         P
	TaskUUID       string
	Name           string
	ParentTaskUUID string // empty = root
	WorkerID       string // empty = any
	Plugin         string

	// External is carried with the definition but read by no package; the
	// controller's spawn and reservation rules follow
	// controller.Config.External instead.
	External bool

	// RestartDelay, when positive, registers this task with the
	// assistant's restart policy (§4.10) on placement: if the task
	// finishes failed, it is restarted after this delay. Zero (the
	// default) means no restart policy is registered at all.
	RestartDelay time.Duration
}

// Clone returns a copy of d with a freshly generated TaskUUID. The tree's
// restart path does not call it; it reissues the uuid through the
// descriptor's UpdateTaskUUID.
func (d Definition[P]) Clone() Definition[P] {
	c := d
	c.TaskUUID = NewUUID()
	return c
}

// Sendable is the minimal capability required of anything the core sends
// messages to; it is the only place virtual dispatch is used, per the
// transport-boundary rule.
type Sendable interface {
	Send(msg any)
}

// StopRecipient additionally accepts a stop notification distinct from a
// generic Send, matching the task tree's dedicated stop-recipient field.
type StopRecipient interface {
	Sendable
}

// ControllerAddr is either a real controller recipient or none (an
// external/reader-backed task has no controller of its own).
type ControllerAddr struct {
	Controller Sendable // nil when absent
}

// Present reports whether a controller address is set.
func (c ControllerAddr) Present() bool { return c.Controller != nil }

// ExecutionContext is stored per task-tree record: the controller (or
// reader) a task is bound to, and the recipient to notify on StopTask.
type ExecutionContext struct {
	TaskUUID       string
	ParentTaskUUID string
	ControllerAddr ControllerAddr
	StopTaskAddr   Sendable
}

// Cloneable is a task descriptor the tree keeps around for replay on
// restart: update its uuid and hand it back to the processor.
type Cloneable interface {
	UpdateTaskUUID() string // assigns and returns a fresh uuid
	TaskUUID() string
	WorkerID() string
	SetWorkerID(id string) // set once the controller pool assigns a worker
	Name() string
}

// Wrapper is a task ready to be placed: its definition plus the means to
// begin execution on a chosen arbiter once a controller has accepted it.
type Wrapper interface {
	Cloneable
	ExecuteInArbiter(arbiterIndex int, ctx ExecutionContext)
}

// UpdateTag distinguishes which phase of a task's lifecycle an update, and
// any attached center message, corresponds to — the fixed replay order the
// tracker walks on a send_center_messages request (§4.9).
type UpdateTag int

const (
	TagUnknown UpdateTag = iota
	TagStarted
	TagUpdated
	TagFinished
	TagQuestion
)

func (t UpdateTag) String() string {
	switch t {
	case TagStarted:
		return "started"
	case TagUpdated:
		return "updated"
	case TagFinished:
		return "finished"
	case TagQuestion:
		return "question"
	default:
		return "unknown"
	}
}

// Update is the message every task-update producer (task clients, the
// controller's reply path) sends to the tracker, which fans it out to the
// task tree, the task assistant, the app state, and any subscribers
// (§4.9). CenterMessage is nil when this update has nothing to publish to
// the center bus.
type Update struct {
	TaskUUID      string
	Name          string
	Status        Status
	Tag           UpdateTag
	CenterMessage *message.CenterPayload
}

// Lite returns a copy of u with CenterMessage cleared — what per-uuid and
// by-name subscribers receive (§4.9 step 2/4).
func (u Update) Lite() Update {
	u.CenterMessage = nil
	return u
}
