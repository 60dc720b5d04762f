package controller

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/legion/internal/logx"
)

// Subprocess owns one worker child process launched via os/exec, grounded
// on the teacher's pkg/worker/health_monitor.go child-process supervision
// idiom, generalized from containerd container launch to a plain
// subprocess spawn.
type Subprocess struct {
	executorPath string
	nodePath     string
	cmd          *exec.Cmd
}

// NewSubprocess prepares a subprocess launcher. executorPath is the worker
// script to run under node; nodePath augments NODE_PATH.
func NewSubprocess(executorPath, nodePath string) *Subprocess {
	return &Subprocess{executorPath: executorPath, nodePath: nodePath}
}

// Spawn launches "node <executorPath> --worker_id=<id> --controller=<endpoint>".
func (s *Subprocess) Spawn(workerID, controllerEndpoint string) error {
	cmd := exec.Command("node", s.executorPath,
		fmt.Sprintf("--worker_id=%s", workerID),
		fmt.Sprintf("--controller=%s", controllerEndpoint),
	)
	cmd.Env = append(os.Environ(), "NODE_PATH="+joinNodePath(s.nodePath))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subprocess: spawn worker %s: %w", workerID, err)
	}
	s.cmd = cmd
	return nil
}

// Kill terminates the current child, if any, and best-effort reaps it to
// avoid leaving a zombie behind.
func (s *Subprocess) Kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	if err := s.cmd.Process.Kill(); err != nil {
		logx.WithComponent("subprocess").Warn().Err(err).Msg("failed to kill worker process")
	}

	go func(cmd *exec.Cmd) {
		_ = cmd.Wait()
	}(s.cmd)

	s.cmd = nil
}

func joinNodePath(extra string) string {
	existing := os.Getenv("NODE_PATH")
	if existing == "" {
		return extra
	}
	if extra == "" {
		return existing
	}
	return existing + string(os.PathListSeparator) + extra
}
