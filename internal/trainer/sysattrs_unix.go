//go:build !windows

package trainer

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so that
// termination signals can be addressed to the whole training tree
// (accelerate spawns the actual python trainer as a grandchild).
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
