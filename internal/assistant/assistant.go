// Package assistant implements the task assistant (§4.10): per-task
// restart policy. A task registers its recovery delay once; on failure the
// assistant schedules a one-shot restart on the task tree after that delay,
// on success it simply forgets the task.
package assistant

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/task"
	"github.com/cuemby/legion/internal/tree"
)

// TaskRecovery registers a restart policy for a task. Registering a uuid
// that already has a policy is fatal (it indicates a uuid reuse bug
// upstream — uuids are meant to be freshly minted on every restart).
type TaskRecovery struct {
	TaskUUID     string
	RestartDelay time.Duration
}

// Forget cancels a task's restart policy without scheduling anything,
// e.g. because it was stopped deliberately rather than finishing.
type Forget struct{ TaskUUID string }

type entry struct {
	restartDelay time.Duration
	timer        *time.Timer
}

// Assistant is the process-wide restart-policy registry.
type Assistant struct {
	mu       sync.Mutex
	policies map[string]*entry

	treeAddr task.Sendable
	log      zerolog.Logger
}

var _ task.Sendable = (*Assistant)(nil)

// New builds an empty assistant. treeAddr receives the RestartTask
// messages this assistant schedules.
func New(treeAddr task.Sendable) *Assistant {
	return &Assistant{
		policies: make(map[string]*entry),
		treeAddr: treeAddr,
		log:      logx.WithComponent("assistant").Logger(),
	}
}

// Send implements task.Sendable.
func (a *Assistant) Send(msg any) {
	switch m := msg.(type) {
	case TaskRecovery:
		a.register(m)
	case Forget:
		a.forget(m.TaskUUID)
	case task.Update:
		a.handleTaskUpdate(m)
	default:
		a.log.Warn().Msg("assistant: ignoring message of unexpected type")
	}
}

func (a *Assistant) register(m TaskRecovery) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.policies[m.TaskUUID]; exists {
		a.log.Fatal().Str("task_uuid", m.TaskUUID).Msg("duplicate restart policy registration")
		return
	}
	a.policies[m.TaskUUID] = &entry{restartDelay: m.RestartDelay}
}

func (a *Assistant) forget(taskUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked(taskUUID)
	delete(a.policies, taskUUID)
}

// cancelLocked stops a pending restart timer, if any. Caller holds a.mu.
func (a *Assistant) cancelLocked(taskUUID string) {
	if e, ok := a.policies[taskUUID]; ok && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (a *Assistant) handleTaskUpdate(u task.Update) {
	if !u.Status.Finished() {
		return
	}

	a.mu.Lock()
	e, ok := a.policies[u.TaskUUID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.policies, u.TaskUUID)
	a.mu.Unlock()

	if u.Status != task.StatusFinishedFailure {
		return
	}
	a.scheduleRestart(u.TaskUUID, e.restartDelay)
}

func (a *Assistant) scheduleRestart(taskUUID string, delay time.Duration) {
	fire := func() {
		if a.treeAddr != nil {
			a.treeAddr.Send(tree.RestartTask{TaskUUID: taskUUID})
		}
	}
	if delay <= 0 {
		fire()
		return
	}
	// The entry stays registered, holding its pending timer, until the
	// timer fires, so a Forget in between cancels the restart.
	a.mu.Lock()
	defer a.mu.Unlock()
	e := &entry{restartDelay: delay}
	a.policies[taskUUID] = e
	e.timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		pending := a.policies[taskUUID] == e
		if pending {
			delete(a.policies, taskUUID)
		}
		a.mu.Unlock()
		if pending {
			fire()
		}
	})
}
