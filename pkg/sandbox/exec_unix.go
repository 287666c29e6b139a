//go:build !windows

package sandbox

import (
	"context"
	"os/exec"
	"syscall"
)

// commandContext builds the harness command for Unix systems.
func commandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// setSysProcAttr sets Unix-specific process attributes.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
