//go:build windows

package detector

import "os/exec"

func shellCommand(script string) *exec.Cmd {
	// #nosec G204 -- probes are operator configuration
	return exec.Command("cmd", "/c", script)
}

// passCommand exits zero without checking anything.
func passCommand() *exec.Cmd {
	return exec.Command("cmd", "/c", "rem")
}
