// Package client implements the task client: the per-task actor that owns
// a task's definition, registers with its bound controller (or task
// reader), forwards the initial payload, and turns each worker reply into
// a task.Update for the tracker — folding in the per-task error handler
// (§4.11) as an internal concern rather than a standalone actor.
package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/errhandler"
	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

type controllerBinder interface {
	RegisterClient(taskUUID, taskName string, recipient task.Sendable)
}

type workerSender interface {
	SendToWorker(taskUUID string, payload message.WorkerPayload)
}

type stopTasker interface {
	StopTask(taskUUID string)
}

// Client is one task's client actor, generic over its plugin-specific
// parameter type P.
type Client[P any] struct {
	def task.Definition[P]
	ctx task.ExecutionContext

	arbPool *arbiter.Pool
	arb     *arbiter.Arbiter

	tracker    task.Sendable
	errHandler *errhandler.Handler
	log        zerolog.Logger
}

var _ task.Wrapper = (*Client[struct{}])(nil)
var _ task.Sendable = (*Client[struct{}])(nil)

// New builds a task client for def, to be placed via ExecuteInArbiter.
// maxErrors is the error-handler's consecutive-error threshold (§4.11).
func New[P any](def task.Definition[P], arbPool *arbiter.Pool, tracker task.Sendable, maxErrors int) *Client[P] {
	return &Client[P]{
		def:        def,
		arbPool:    arbPool,
		tracker:    tracker,
		errHandler: errhandler.New(maxErrors),
		log:        logx.WithComponent("client").With().Str("task_uuid", def.TaskUUID).Logger(),
	}
}

// task.Cloneable.

func (c *Client[P]) UpdateTaskUUID() string {
	c.def.TaskUUID = task.NewUUID()
	c.log = logx.WithComponent("client").With().Str("task_uuid", c.def.TaskUUID).Logger()
	return c.def.TaskUUID
}

func (c *Client[P]) TaskUUID() string     { return c.def.TaskUUID }
func (c *Client[P]) WorkerID() string     { return c.def.WorkerID }
func (c *Client[P]) SetWorkerID(id string) { c.def.WorkerID = id }
func (c *Client[P]) Name() string         { return c.def.Name }

// RestartDelay implements the processor's optional restart-policy source
// (§4.10): a positive value registers this task with the assistant on
// placement, to be auto-restarted after the delay if it finishes failed.
func (c *Client[P]) RestartDelay() time.Duration { return c.def.RestartDelay }

// ExecuteInArbiter begins the task: it resolves the chosen arbiter, then
// posts registration and the initial worker payload onto it, giving this
// client single-threaded semantics from the moment it starts.
func (c *Client[P]) ExecuteInArbiter(arbiterIndex int, ctx task.ExecutionContext) {
	c.ctx = ctx
	c.arb = c.arbPool.At(arbiterIndex)
	c.arb.Post(c.start)
}

func (c *Client[P]) start() {
	if !c.ctx.ControllerAddr.Present() {
		c.log.Warn().Msg("client: starting with no controller address bound")
		return
	}

	if binder, ok := c.ctx.ControllerAddr.Controller.(controllerBinder); ok {
		binder.RegisterClient(c.def.TaskUUID, c.def.Name, c)
	}

	payload := message.WorkerPayload{TaskUUID: c.def.TaskUUID, Plugin: c.def.Plugin, Data: c.def.Params}
	if ws, ok := c.ctx.ControllerAddr.Controller.(workerSender); ok {
		ws.SendToWorker(c.def.TaskUUID, payload)
	} else {
		c.ctx.ControllerAddr.Controller.Send(payload)
	}

	c.publish(task.TagStarted, task.StatusRunning, nil)
}

// Send implements task.Sendable: the controller (or reader) delivers each
// worker reply for this task here.
func (c *Client[P]) Send(msg any) {
	if c.arb == nil {
		c.onReply(msg)
		return
	}
	c.arb.Post(func() { c.onReply(msg) })
}

func (c *Client[P]) onReply(msg any) {
	payload, ok := msg.(message.WorkerPayload)
	if !ok {
		c.log.Warn().Msg("client: ignoring reply of unexpected type")
		return
	}

	_, hasError := payload.Error()
	if c.errHandler.Observe(hasError) {
		if stopper, ok := c.ctx.ControllerAddr.Controller.(stopTasker); ok {
			stopper.StopTask(c.def.TaskUUID)
		}
		c.publish(task.TagFinished, task.StatusFinishedFailure, &payload)
		return
	}

	if _, ok := payload.TaskResult(); ok {
		c.publish(task.TagFinished, task.StatusFinishedSuccess, &payload)
		return
	}
	if _, ok := payload.TaskQuestion(); ok {
		c.publish(task.TagQuestion, task.StatusRunning, &payload)
		return
	}

	c.publish(task.TagUpdated, task.StatusRunning, &payload)
}

func (c *Client[P]) publish(tag task.UpdateTag, status task.Status, payload *message.WorkerPayload) {
	var center *message.CenterPayload
	if payload != nil {
		cp := message.NewCenterPayload(message.DestCenter, subjectForTag(tag), c.def.TaskUUID, "", payload.Data)
		center = &cp
	}

	if c.tracker == nil {
		return
	}
	c.tracker.Send(task.Update{
		TaskUUID:      c.def.TaskUUID,
		Name:          c.def.Name,
		Status:        status,
		Tag:           tag,
		CenterMessage: center,
	})
}

func subjectForTag(tag task.UpdateTag) message.Subject {
	switch tag {
	case task.TagStarted:
		return message.SubjectTaskStatusReport
	case task.TagFinished:
		return message.SubjectTaskResult
	case task.TagQuestion:
		return message.SubjectTaskQuestion
	default:
		return message.SubjectTaskStatusUpdate
	}
}
