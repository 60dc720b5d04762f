package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/legion/internal/appstate"
	"github.com/cuemby/legion/internal/arbiter"
	"github.com/cuemby/legion/internal/assistant"
	"github.com/cuemby/legion/internal/centerclient"
	"github.com/cuemby/legion/internal/config"
	"github.com/cuemby/legion/internal/controller"
	"github.com/cuemby/legion/internal/dispatch"
	"github.com/cuemby/legion/internal/externals/taskreader"
	"github.com/cuemby/legion/internal/externals/taskwriter"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/pool"
	"github.com/cuemby/legion/internal/processor"
	"github.com/cuemby/legion/internal/proxypool"
	"github.com/cuemby/legion/internal/registry"
	"github.com/cuemby/legion/internal/reprocessor"
	"github.com/cuemby/legion/internal/router"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tracker"
	"github.com/cuemby/legion/internal/tree"
)

// controllerPoolAdapter narrows pool.Pool[*controller.Controller]'s
// concrete Next signature down to processor.ControllerPool: the pool is
// generic so callers of the pool itself keep the controller's full method
// set, but the processor only ever needs it as a task.Sendable.
type controllerPoolAdapter struct {
	pool *pool.Pool[*controller.Controller]
}

func (a *controllerPoolAdapter) Next(taskUUID string) (processor.ControllerBinding, string, bool, bool) {
	c, id, created, ok := a.pool.Next(taskUUID)
	if !ok {
		return nil, "", created, false
	}
	return c, id, created, true
}

// controllerDirectory resolves a worker id to its controller for the
// worker-bus dispatcher. Unlike registry.Link, a frame for an unknown
// worker id is dropped rather than buffered — the worker-bus dispatcher
// already logs that case itself (§4.3).
type controllerDirectory struct {
	mu          sync.RWMutex
	controllers map[string]task.Sendable
}

func newControllerDirectory() *controllerDirectory {
	return &controllerDirectory{controllers: make(map[string]task.Sendable)}
}

func (d *controllerDirectory) register(workerID string, c task.Sendable) {
	d.mu.Lock()
	d.controllers[workerID] = c
	d.mu.Unlock()
}

func (d *controllerDirectory) Lookup(workerID string) (task.Sendable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.controllers[workerID]
	return c, ok
}

// treeHandle defers Send calls to a tree constructed after its own
// dependents (tracker, assistant, processor) — the tree and processor
// reference each other, so both sides hold an indirection until the real
// tree is built and patched in once via set.
type treeHandle struct {
	mu sync.RWMutex
	t  *tree.Tree
}

func (h *treeHandle) set(t *tree.Tree) {
	h.mu.Lock()
	h.t = t
	h.mu.Unlock()
}

func (h *treeHandle) Send(msg any) {
	h.mu.RLock()
	t := h.t
	h.mu.RUnlock()
	if t != nil {
		t.Send(msg)
	}
}

// processorHandle is the same indirection for the processor side of the
// tree/processor cycle.
type processorHandle struct {
	mu sync.RWMutex
	p  *processor.Processor
}

func (h *processorHandle) set(p *processor.Processor) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

func (h *processorHandle) Process(w task.Wrapper, ctx task.ExecutionContext) {
	h.mu.RLock()
	p := h.p
	h.mu.RUnlock()
	if p != nil {
		p.Process(w, ctx)
	}
}

// controlResponseSink adapts registry.ControlMessageTracker to
// task.Sendable so it can be registered in the control registry as the
// destination for responses to control requests this process issued over
// the center bus (e.g. a stop/close/restart aimed at a task hosted by
// another Legion process).
type controlResponseSink struct {
	tracker *registry.ControlMessageTracker
}

func (s controlResponseSink) Send(msg any) {
	if ctl, ok := msg.(message.ControlMessage); ok {
		s.tracker.HandleResponse(ctl)
	}
}

// workerBackend defers to a router constructed after the dispatcher that
// needs to reference it as its egress point — the two must be built in
// this order since the router's constructor also needs the dispatcher.
type workerBackend struct {
	router *router.Router
}

func (b *workerBackend) Send(frame message.RawFrame) {
	if b.router != nil {
		b.router.Send(frame)
	}
}

// App is the fully wired process: every actor and registry needed to run
// the supervisor, plus the handles a CLI command needs to submit a task
// and wait for it to finish.
type App struct {
	cfg *config.Tree

	arbiters *arbiter.Pool

	controlRegistry *registry.ControlRegistry
	routerRegistry  *registry.RouterRegistry
	controlTracker  *registry.ControlMessageTracker

	workerRouter *router.Router
	centerClient *centerclient.Client

	controllerPool *pool.Pool[*controller.Controller]
	reprocessor    *reprocessor.Reprocessor
	processor      *processor.Processor
	tree           *tree.Tree
	tracker        *tracker.Tracker
	assistant      *assistant.Assistant
	appState       *appstate.AppState

	proxies       *proxypool.Pool
	taskWriters   *taskwriter.Registry
	taskReaders   *taskreader.Registry
	archiveSource *taskreader.Source

	db *bolt.DB

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	executorPath      string
	nodePath          string
	externalWorker    bool
	simpleProtocol    bool
	maxConsecutiveErr int
}

// buildApp wires every package in this module together from a loaded
// config tree — the one place the core's interfaces are bound to their
// concrete implementations.
func buildApp(ctx context.Context, cfg *config.Tree) (*App, error) {
	appID := cfg.GetVar("general.id")
	appName := cfg.GetVar("general.name")
	appURL := cfg.GetVar("general.url")

	a := &App{
		cfg:               cfg,
		heartbeatInterval: 2 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		externalWorker:    optBool(cfg, "general.external_worker"),
		simpleProtocol:    optBool(cfg, "general.simple_protocol"),
		maxConsecutiveErr: 3,
	}

	a.executorPath, _ = cfg.GetOptVar("general.executor_path")
	a.nodePath, _ = cfg.GetOptVar("general.node_path")

	if ms, ok := cfg.GetOptVar("general.heartbeat_interval_ms"); ok {
		if n, err := strconv.Atoi(ms); err == nil {
			a.heartbeatInterval = time.Duration(n) * time.Millisecond
		}
	}
	if ms, ok := cfg.GetOptVar("general.heartbeat_timeout_ms"); ok {
		if n, err := strconv.Atoi(ms); err == nil {
			a.heartbeatTimeout = time.Duration(n) * time.Millisecond
		}
	}

	a.arbiters = arbiter.NewPool(0)
	a.controlRegistry = registry.NewControlRegistry()
	a.routerRegistry = registry.NewRouterRegistry()

	if dbPath, ok := cfg.GetOptVar("app.db"); ok && dbPath != "" {
		db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("legion: open app.db %s: %w", dbPath, err)
		}
		a.db = db
	}

	proxies, _ := cfg.GetOptStringList("proxy.list")
	if optBool(cfg, "proxy.disabled") {
		proxies = nil
	}
	userAgents, _ := cfg.GetOptStringList("general.user_agents")
	a.proxies = proxypool.New(proxies, userAgents)

	a.taskWriters = taskwriter.NewRegistry(a.db)
	for _, name := range taskNameKeys(cfg, "task_writers") {
		a.taskWriters.Register(name)
	}

	readerNames := taskNameKeys(cfg, "task_readers")
	if len(readerNames) > 0 {
		archiveURL := cfg.GetVar("task_readers.archive_url")
		a.archiveSource = taskreader.NewSource(archiveURL)
		go a.archiveSource.Run(ctx)
		a.taskReaders = taskreader.NewRegistry(a.archiveSource)
		for _, name := range readerNames {
			a.taskReaders.Register(name)
		}
	}

	// Center bus: a standing gRPC connection the tracker/tree/appstate
	// publish status reports and task updates through, and through which
	// inbound control messages and app-addressed payloads arrive.
	centerDispatcher := dispatch.NewCenterDispatcher(a.controlRegistry, a.controlRegistry)
	a.centerClient = centerclient.New(cfg.GetVar("center.address"), centerDispatcher)
	if err := a.centerClient.Dial(ctx); err != nil {
		return nil, fmt.Errorf("legion: dial center service: %w", err)
	}

	a.controlTracker = registry.NewControlMessageTracker(a.centerClient.Send)
	a.controlRegistry.RegisterEntity("control_tracker", controlResponseSink{tracker: a.controlTracker})

	// The tree and the processor each depend on the other (the tree
	// reissues a restarted task through the processor; the processor
	// notifies the tree of every new placement), so both are referenced
	// through a thin indirection until both exist, then patched once.
	treeAddr := &treeHandle{}
	procAddr := &processorHandle{}

	a.assistant = assistant.New(treeAddr)

	reportInterval := 3 * time.Second
	if ms, ok := cfg.GetOptVar("general.app_status_report_ms"); ok {
		if n, err := strconv.Atoi(ms); err == nil {
			reportInterval = time.Duration(n) * time.Millisecond
		}
	}
	a.appState = appstate.New(appID, appName, appURL, reportInterval, a.centerClient, a.db)
	a.tracker = tracker.New(a.centerClient, treeAddr, a.assistant, a.appState)

	a.reprocessor = reprocessor.New(procAddr)

	controllerDir := newControllerDirectory()

	backend := &workerBackend{}
	workerDispatcher := dispatch.New(controllerDir, backend)
	routerPort := cfg.GetVar("general.router_port")
	a.workerRouter = router.New(router.Passive, ":"+routerPort, "worker-bus", workerDispatcher, a.routerRegistry)
	backend.router = a.workerRouter

	capacity := 8
	if n, ok := cfg.GetOptVar("general.pool_capacity"); ok {
		if v, err := strconv.Atoi(n); err == nil {
			capacity = v
		}
	}

	controllerEndpoint := cfg.GetVar("general.controller_endpoint")
	a.controllerPool = pool.NewPool(capacity, func(id string) *controller.Controller {
		ctrl := controller.New(controller.Config{
			WorkerID:           id,
			ExecutorPath:       a.executorPath,
			NodePath:           a.nodePath,
			ControllerEndpoint: controllerEndpoint,
			External:           a.externalWorker,
			SimpleProtocol:     a.simpleProtocol,
			HeartbeatInterval:  a.heartbeatInterval,
			HeartbeatTimeout:   a.heartbeatTimeout,
		}, a.arbiters.Next(), workerDispatcher, a.controlRegistry, a.proxies, a.taskWriters)
		controllerDir.register(id, ctrl)
		ctrl.Start()
		return ctrl
	})

	poolAdapter := &controllerPoolAdapter{pool: a.controllerPool}

	// Passed as a literal nil rather than a.taskReaders directly when
	// unconfigured: a nil *taskreader.Registry boxed into the TaskReaders
	// interface is a non-nil interface value, so the processor's "if
	// p.readers != nil" guard would wrongly call GetReader on a nil
	// receiver.
	var readers processor.TaskReaders
	if a.taskReaders != nil {
		readers = a.taskReaders
	}
	a.processor = processor.New(readers, poolAdapter, a.arbiters, treeAddr, a.reprocessor, a.assistant)
	procAddr.set(a.processor)

	a.tree = tree.New(a.centerClient, procAddr, a.tracker)
	treeAddr.set(a.tree)

	a.controlRegistry.RegisterEntity("task_tree", a.tree)
	a.controlRegistry.RegisterEntity("task_tracker", a.tracker)
	a.controlRegistry.RegisterEntity("app_state", a.appState)

	if err := a.workerRouter.Start(ctx); err != nil {
		return nil, fmt.Errorf("legion: start worker-bus router: %w", err)
	}

	return a, nil
}

// Shutdown tears down every long-lived connection the app holds.
func (a *App) Shutdown() {
	a.arbiters.Shutdown()
	if a.centerClient != nil {
		_ = a.centerClient.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func optBool(cfg *config.Tree, key string) bool {
	v, ok := cfg.GetOptVar(key)
	return ok && strings.EqualFold(v, "true")
}

// taskNameKeys returns the task names listed in the string array
// <prefix>.names (e.g. task_writers.names = ["probe"]), per spec §6's
// task_readers.*/task_writers.* recognized key surface.
func taskNameKeys(cfg *config.Tree, prefix string) []string {
	names, _ := cfg.GetOptStringList(prefix + ".names")
	return names
}
