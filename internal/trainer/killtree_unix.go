//go:build !windows

package trainer

import (
	"errors"
	"fmt"
	"syscall"
)

// terminateTree signals the whole process group rooted at pid. With
// force=false it sends SIGTERM for a graceful shutdown; with force=true it
// sends SIGKILL. A vanished group is not an error. pid must be positive:
// kill(0) and kill(-1) address the caller's own group or every process the
// caller may signal.
func terminateTree(pid int, force bool) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the single process if the group is gone or inaccessible.
	if kerr := syscall.Kill(pid, sig); kerr == nil || errors.Is(kerr, syscall.ESRCH) {
		return nil
	}
	return err
}
