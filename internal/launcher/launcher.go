// Package launcher spawns agent processes for sessions and checks on
// ones left over from a previous daemon run.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/session"
)

// Launcher starts agent processes configured to dial back into perchd.
type Launcher struct {
	Command     string
	Args        []string
	WSURL       string
	AgentSecret string
}

// Launch starts the agent process for a session and returns its PID.
// The process runs detached; it reports in over the agent WebSocket and
// is supervised through that connection, not through the process handle.
func (l *Launcher) Launch(info session.Info) (int, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Env = append(os.Environ(),
		"PERCH_SESSION_ID="+info.ID,
		"PERCH_WS_URL="+l.WSURL,
		"PERCH_AGENT_SECRET="+l.AgentSecret,
		"PERCH_REPO_URL="+info.RepoURL,
		"PERCH_BRANCH="+info.Branch,
		"PERCH_PERMISSION_MODE="+string(info.PermissionMode),
	)
	if info.WorkDir != "" {
		cmd.Dir = info.WorkDir
		cmd.Env = append(cmd.Env, "PERCH_WORK_DIR="+info.WorkDir)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start agent for session %s: %w", info.ID, err)
	}
	pid := cmd.Process.Pid
	logger.Info("agent launched", "session_id", info.ID, "pid", pid)

	// Reap the child when it exits so it doesn't linger as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("agent exited", "session_id", info.ID, "pid", pid, "error", err)
		}
	}()
	return pid, nil
}

// Alive reports whether a process from a previous run still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Kill terminates an agent process group, used when a session is deleted
// while its agent is still running.
func Kill(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Fall back to the single process if the group is gone.
		syscall.Kill(pid, syscall.SIGTERM)
	}
}
