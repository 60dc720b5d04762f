package controller

// WorkerState is the controller's view of its worker subprocess (§4.4).
type WorkerState int

const (
	Initial WorkerState = iota
	Starting
	Preparing
	Ready
	Busy
	Exiting
	ErrorState
)

func (s WorkerState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Starting:
		return "starting"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Exiting:
		return "exiting"
	case ErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// Plugin is the worker process's currently loaded plugin.
type Plugin int

const (
	PluginNone Plugin = iota
	PluginBasic
	PluginHeadlessBrowser
)

func (p Plugin) String() string {
	switch p {
	case PluginBasic:
		return "basic"
	case PluginHeadlessBrowser:
		return "headless_browser"
	default:
		return "none"
	}
}
