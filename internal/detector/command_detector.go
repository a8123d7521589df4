package detector

import (
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector reports a training run as alive while a probe command
// exits zero. Typical probes match the launcher in the process table, e.g.
// "pgrep -f flux_train_network". An empty command always passes, so an
// unset probe never vetoes recovery.
type CommandDetector struct{ Command string }

func (d CommandDetector) Alive() (bool, error) {
	err := probeCommand(d.Command).Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &ee):
		// The probe ran and said no.
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }

// probeCommand builds the exec.Cmd for a probe string. Plain commands run
// directly; anything carrying shell metacharacters goes through the
// platform shell so pipelines like "nvidia-smi | grep python" work.
func probeCommand(probe string) *exec.Cmd {
	probe = strings.TrimSpace(probe)
	if probe == "" {
		return passCommand()
	}
	if strings.ContainsAny(probe, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(probe)
	}
	fields := strings.Fields(probe)
	// #nosec G204 -- probes are operator configuration
	return exec.Command(fields[0], fields[1:]...)
}
