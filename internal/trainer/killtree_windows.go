//go:build windows

package trainer

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// terminateTree ends the process tree rooted at pid. Windows has no signal
// for a graceful group shutdown that reaches a detached python tree, so both
// the graceful and the forced paths use taskkill /T; force adds /F. If
// taskkill itself is unavailable we fall back to killing the root process.
func terminateTree(pid int, force bool) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	if err := exec.Command("taskkill", args...).Run(); err == nil {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
