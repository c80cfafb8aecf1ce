// Package daemon assembles and runs the coordinator and agent processes.
// The two monitor each other: whichever side notices its partner is down
// respawns it, so enforcement survives a killed process.
package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/stridegate/stridegate/internal/domain"
)

// StartProcess spawns the named role as a detached process via self-exec.
func StartProcess(role domain.ProcessRole, configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{commandFor(role)}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(executable, args...)

	// New session: survives the parent and has no terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}

func commandFor(role domain.ProcessRole) string {
	if role == domain.RoleAgent {
		return "agent"
	}
	return "daemon"
}
