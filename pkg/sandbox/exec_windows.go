//go:build windows

package sandbox

import (
	"context"
	"os/exec"
)

// commandContext builds the harness command for Windows systems.
func commandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// setSysProcAttr sets Windows-specific process attributes.
// On Windows, Setpgid is not available, so this is a no-op.
func setSysProcAttr(cmd *exec.Cmd) {
	// No-op on Windows - Setpgid is not available
}
