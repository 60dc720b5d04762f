// Package externals declares the interface boundaries the core consumes
// for the collaborators spec.md explicitly places out of scope: config
// loading, proxy/user-agent list loading, and persisted task replay.
// Implementations live outside this package (internal/config,
// internal/proxypool, internal/externals/taskreader); the core only ever
// depends on these interfaces.
package externals

import "github.com/cuemby/legion/internal/task"

// ConfigProvider is a hierarchical, read-only, concurrency-safe config
// tree (§6).
type ConfigProvider interface {
	// GetOptVar returns the string value at key, if present.
	GetOptVar(key string) (string, bool)
	// GetVar returns the string value at key, panicking (a startup-time
	// configuration bug, not a recoverable condition) if absent.
	GetVar(key string) string
}

// TaskWriter is looked up by task name; when present, the controller
// shadow-copies every client-bound worker message to it.
type TaskWriter interface {
	GetWriter(taskName string) (task.Sendable, bool)
}

// TaskReader is looked up by task name; when present, the processor binds
// a new task directly to the reader instead of a controller, and the
// reader replays pre-recorded worker messages to the task's client.
type TaskReader interface {
	GetReader(taskName string) (task.Sendable, bool)
}

// ProxyPool supplies one proxy and one user-agent string per
// HeadlessBrowser plugin setup.
type ProxyPool interface {
	Next() (proxy, userAgent string)
}
