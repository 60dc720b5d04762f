// Package controller implements the worker controller state machine
// (§4.4): one controller supervises one worker subprocess (or one external
// worker), gates client traffic to it by readiness and plugin state, and
// relays replies back to whichever client is registered for a task.
package controller

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/metrics"
	"github.com/cuemby/legion/internal/task"
)

// Dispatcher is the worker-bus egress point a controller sends framed,
// typed payloads through.
type Dispatcher interface {
	SendOutbound(identity []byte, payload message.WorkerPayload) error
}

// ControlRelay receives a control response a controller unwraps from a
// worker frame and forwards it to the control registry for correlation.
type ControlRelay interface {
	SendToEntity(msg message.ControlMessage)
}

// ProxyPool supplies one proxy/user-agent pair per HeadlessBrowser setup.
type ProxyPool interface {
	Next() (proxy, userAgent string)
}

// TaskWriters resolves a task name to its shadow-copy writer, if any.
type TaskWriters interface {
	GetWriter(taskName string) (task.Sendable, bool)
}

// Config parameterizes one controller instance.
type Config struct {
	WorkerID           string
	ExecutorPath       string
	NodePath           string
	ControllerEndpoint string

	External       bool
	SimpleProtocol bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type clientEntry struct {
	recipient task.Sendable
	writer    task.Sendable
}

type pendingKind int

const (
	kindOutboundToWorker pendingKind = iota
	kindReplyToClient
)

type pendingClientItem struct {
	taskUUID string
	kind     pendingKind
	payload  message.WorkerPayload
}

// Controller is a single worker controller actor. All state is mutated
// exclusively by jobs posted to its own arbiter, giving it the
// single-threaded semantics every actor in this system relies on.
type Controller struct {
	cfg        Config
	arbiter    *arbiter.Arbiter
	dispatcher Dispatcher
	relay      ControlRelay
	proxies    ProxyPool
	writers    TaskWriters
	subprocess *Subprocess
	log        zerolog.Logger

	state          WorkerState
	plugin         Plugin
	workerIdentity []byte
	reservedTasks  map[string]struct{}
	clients        map[string]clientEntry

	// Global, arrival-ordered delayed queues. delayedClient holds both
	// client→worker admission attempts awaiting a client registration and
	// worker→client replies awaiting the same; delayedWorker holds
	// client→worker admission attempts awaiting readiness or a plugin
	// match — the same reuse of one buffer for two directions the
	// original implementation applies.
	delayedClient []pendingClientItem
	delayedWorker []message.WorkerPayload

	heartbeat *arbiter.Timer
}

var _ task.Sendable = (*Controller)(nil)

// New builds a controller bound to one arbiter.
func New(cfg Config, a *arbiter.Arbiter, dispatcher Dispatcher, relay ControlRelay, proxies ProxyPool, writers TaskWriters) *Controller {
	return &Controller{
		cfg:           cfg,
		arbiter:       a,
		dispatcher:    dispatcher,
		relay:         relay,
		proxies:       proxies,
		writers:       writers,
		subprocess:    NewSubprocess(cfg.ExecutorPath, cfg.NodePath),
		log:           logx.WithComponent("controller").With().Str("worker_id", cfg.WorkerID).Logger(),
		reservedTasks: make(map[string]struct{}),
		clients:       make(map[string]clientEntry),
	}
}

// State returns the controller's current worker state.
func (c *Controller) State() WorkerState { return c.state }

func (c *Controller) setState(s WorkerState) {
	if c.state == s {
		return
	}
	metrics.ControllerStateTransitionsTotal.WithLabelValues(c.state.String(), s.String()).Inc()
	c.state = s
}

// Start spawns the worker subprocess (unless external) and enters Starting.
func (c *Controller) Start() {
	c.arbiter.Post(c.onStart)
}

func (c *Controller) onStart() {
	if !c.cfg.External {
		if err := c.subprocess.Spawn(c.cfg.WorkerID, c.cfg.ControllerEndpoint); err != nil {
			c.log.Error().Err(err).Msg("failed to spawn worker subprocess")
			c.setState(ErrorState)
			return
		}
	}
	c.setState(Starting)
}

// Send implements task.Sendable: it is how the worker dispatcher hands this
// controller an inbound worker-bus frame.
func (c *Controller) Send(msg any) {
	c.arbiter.Post(func() { c.onWorkerFrame(msg) })
}

func (c *Controller) onWorkerFrame(msg any) {
	env, ok := msg.(message.Envelope[message.WorkerPayload])
	if !ok {
		c.log.Warn().Msg("controller: ignoring message of unexpected type")
		return
	}

	switch env.Payload.Dest {
	case message.WorkerDestController:
		c.onControllerFrame(env.Identity, env.Payload)
	case message.WorkerDestClient:
		c.deliverToClient(env.Identity, env.Payload.TaskUUID, env.Payload)
	default:
		c.log.Warn().Str("dest", string(env.Payload.Dest)).Msg("controller: unexpected frame destination")
	}
}

func (c *Controller) onControllerFrame(identity []byte, payload message.WorkerPayload) {
	subject, details, ok := decodeControllerMessage(payload.Data)
	if !ok {
		c.log.Warn().Msg("controller: malformed controller-subprocess frame")
		return
	}

	switch subject {
	case message.ControllerSubjectStarted:
		c.workerIdentity = identity
		c.startHeartbeat()
		c.becomeReady()
	case message.ControllerSubjectReady:
		c.becomeReady()
	case message.ControllerSubjectPluginReady:
		name, _ := details.(string)
		c.plugin = parsePlugin(name)
		c.becomeReady()
	case message.ControllerSubjectHeartbeatResponse:
		c.onHeartbeatResponse(identity)
	case message.ControllerSubjectControlResponse:
		c.onControlResponse(details)
	case message.ControllerSubjectError:
		errMsg, _ := details.(string)
		c.log.Error().Str("detail", errMsg).Msg("worker reported an error")
	default:
		c.log.Warn().Str("subject", string(subject)).Msg("controller: unknown controller-subprocess subject")
	}
}

func (c *Controller) becomeReady() {
	c.setState(Ready)
	c.flushDelayedWorkerMessages()
}

func (c *Controller) onHeartbeatResponse(identity []byte) {
	if c.cfg.External {
		c.workerIdentity = identity
		if c.state == Initial {
			c.sendStopAll()
			c.setState(Busy)
		}
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Reset()
	}
}

func (c *Controller) onControlResponse(details any) {
	raw, err := json.Marshal(details)
	if err != nil {
		c.log.Warn().Err(err).Msg("controller: failed to re-encode control response")
		return
	}
	var ctl message.ControlMessage
	if err := json.Unmarshal(raw, &ctl); err != nil {
		c.log.Warn().Err(err).Msg("controller: failed to decode control response")
		return
	}
	c.relay.SendToEntity(ctl)
}

func (c *Controller) sendStopAll() {
	c.dispatchToWorker(message.WorkerPayload{
		Data: message.ControllerMessage{
			Subject: message.ControllerSubjectControlRequest,
			Details: map[string]any{"cmd": "stop_all"},
		},
	})
}

// Heartbeat.

func (c *Controller) startHeartbeat() {
	c.heartbeat = arbiter.NewTimer(c.cfg.HeartbeatInterval, c.cfg.HeartbeatTimeout,
		c.sendHeartbeatRequest, c.onHeartbeatTimeout)
	c.heartbeat.Start()
}

func (c *Controller) sendHeartbeatRequest() {
	c.arbiter.Post(func() {
		c.dispatchToWorker(message.WorkerPayload{
			Data: message.ControllerMessage{Subject: message.ControllerSubjectHeartbeatRequest},
		})
	})
}

func (c *Controller) onHeartbeatTimeout() {
	c.arbiter.Post(func() {
		c.log.Warn().Msg("heartbeat timeout, restarting worker")
		metrics.HeartbeatMissesTotal.WithLabelValues(c.cfg.WorkerID).Inc()
		c.setState(ErrorState)
		c.subprocess.Kill()
		if err := c.subprocess.Spawn(c.cfg.WorkerID, c.cfg.ControllerEndpoint); err != nil {
			c.log.Error().Err(err).Msg("failed to respawn worker subprocess after heartbeat timeout")
			return
		}
		metrics.SubprocessRespawnsTotal.WithLabelValues(c.cfg.WorkerID).Inc()
		c.setState(Starting)
	})
}

// Reservation.

// ReserveForTask is a synchronous request/reply exchange (§5, "suspension
// awaiting a request-reply"): the reply channel is received on the caller's
// own goroutine (the controller pool's), never blocking this controller's
// mailbox for other callers.
func (c *Controller) ReserveForTask(taskUUID string) bool {
	reply := make(chan bool, 1)
	c.arbiter.Post(func() {
		reply <- c.reserveForTask(taskUUID)
	})
	return <-reply
}

func (c *Controller) reserveForTask(taskUUID string) bool {
	eligible := c.state == Ready || c.state == Starting || (c.cfg.External && c.state == Initial)
	if !eligible {
		return false
	}
	c.reservedTasks[taskUUID] = struct{}{}
	return true
}

// Client registration and admission.

// RegisterClient binds a client recipient to a task uuid and flushes any
// messages that were buffered awaiting this registration.
func (c *Controller) RegisterClient(taskUUID, taskName string, recipient task.Sendable) {
	c.arbiter.Post(func() { c.registerClient(taskUUID, taskName, recipient) })
}

func (c *Controller) registerClient(taskUUID, taskName string, recipient task.Sendable) {
	var writer task.Sendable
	if c.writers != nil {
		if w, ok := c.writers.GetWriter(taskName); ok {
			writer = w
		}
	}
	c.clients[taskUUID] = clientEntry{recipient: recipient, writer: writer}

	var remaining, replay []pendingClientItem
	for _, item := range c.delayedClient {
		if item.taskUUID == taskUUID {
			replay = append(replay, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	c.delayedClient = remaining

	for _, item := range replay {
		switch item.kind {
		case kindOutboundToWorker:
			c.admitClientToWorker(item.payload)
		case kindReplyToClient:
			c.deliverToClient(c.workerIdentity, taskUUID, item.payload)
		}
	}
}

// SendToWorker is a client→worker message entering the admission pipeline
// (§4.4, "Request admission").
func (c *Controller) SendToWorker(taskUUID string, payload message.WorkerPayload) {
	c.arbiter.Post(func() {
		if _, ok := c.clients[taskUUID]; !ok {
			c.delayedClient = append(c.delayedClient, pendingClientItem{
				taskUUID: taskUUID, kind: kindOutboundToWorker, payload: payload,
			})
			return
		}
		c.admitClientToWorker(payload)
	})
}

// admitClientToWorker runs admission steps 2-4; step 1 (client
// registration) is checked by callers before reaching here.
func (c *Controller) admitClientToWorker(payload message.WorkerPayload) {
	if !c.cfg.SimpleProtocol && c.state != Ready {
		c.delayedWorker = append(c.delayedWorker, payload)
		return
	}

	if !c.cfg.SimpleProtocol && payload.Plugin != c.plugin.String() {
		c.delayedWorker = append(c.delayedWorker, payload)
		c.sendPluginSetup(payload.Plugin)
		c.setState(Busy)
		return
	}

	c.dispatchToWorker(payload)
	if !c.cfg.SimpleProtocol {
		c.setState(Busy)
	}
}

func (c *Controller) sendPluginSetup(pluginName string) {
	details := map[string]any{"plugin": pluginName}
	if pluginName == PluginHeadlessBrowser.String() && c.proxies != nil {
		proxy, userAgent := c.proxies.Next()
		details["proxy"] = proxy
		details["user_agent"] = userAgent
	}
	c.dispatchToWorker(message.WorkerPayload{
		Data: message.ControllerMessage{Subject: message.ControllerSubjectSetupPlugin, Details: details},
	})
}

// flushDelayedWorkerMessages releases queued client→worker messages once
// the controller becomes Ready (or PluginReady for a matching plugin),
// preserving their original arrival order (§5, "Ordering guarantees").
func (c *Controller) flushDelayedWorkerMessages() {
	if len(c.delayedWorker) == 0 {
		return
	}

	var remaining []message.WorkerPayload
	sentAny := false
	for _, p := range c.delayedWorker {
		if c.cfg.SimpleProtocol || p.Plugin == c.plugin.String() {
			c.dispatchToWorker(p)
			sentAny = true
		} else {
			remaining = append(remaining, p)
		}
	}
	c.delayedWorker = remaining

	if sentAny && !c.cfg.SimpleProtocol {
		c.setState(Busy)
	}
}

func (c *Controller) dispatchToWorker(payload message.WorkerPayload) {
	payload.Dest = message.WorkerDestWorker
	payload.WorkerID = c.cfg.WorkerID
	if err := c.dispatcher.SendOutbound(c.workerIdentity, payload); err != nil {
		c.log.Warn().Err(err).Msg("controller: failed to dispatch to worker")
	}
}

// Reply routing.

func (c *Controller) deliverToClient(identity []byte, taskUUID string, payload message.WorkerPayload) {
	entry, ok := c.clients[taskUUID]
	if !ok {
		c.delayedClient = append(c.delayedClient, pendingClientItem{
			taskUUID: taskUUID, kind: kindReplyToClient, payload: payload,
		})
		return
	}

	c.workerIdentity = identity
	entry.recipient.Send(payload)
	if entry.writer != nil {
		entry.writer.Send(payload)
	}
}

// Stop/close.

// StopTask sends a stop_task control request straight to the worker,
// bypassing admission (§4.4, "Stop/close").
func (c *Controller) StopTask(taskUUID string) {
	c.arbiter.Post(func() {
		req := message.ControlMessage{
			UUID: task.NewUUID(),
			Type: message.ControlTypeRequest,
			Cmd:  message.CmdStopTask,
			Data: taskUUID,
		}
		c.dispatchToWorker(message.WorkerPayload{
			TaskUUID: taskUUID,
			Data:     message.ControllerMessage{Subject: message.ControllerSubjectControlRequest, Details: req},
		})
	})
}

// CloseTask removes the client registration for a task uuid.
func (c *Controller) CloseTask(taskUUID string) {
	c.arbiter.Post(func() {
		delete(c.clients, taskUUID)
	})
}

func decodeControllerMessage(data any) (message.ControllerSubject, any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", nil, false
	}
	subject, ok := m["subject"].(string)
	if !ok {
		return "", nil, false
	}
	return message.ControllerSubject(subject), m["details"], true
}

func parsePlugin(name string) Plugin {
	switch name {
	case PluginBasic.String():
		return PluginBasic
	case PluginHeadlessBrowser.String():
		return PluginHeadlessBrowser
	default:
		return PluginNone
	}
}
