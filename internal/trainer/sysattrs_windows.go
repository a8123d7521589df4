//go:build windows

package trainer

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr detaches the child into its own process group so a
// console Ctrl-C aimed at the supervisor does not reach the trainer, and so
// taskkill /T can later address the whole tree.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
