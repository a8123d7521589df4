package trainer

import (
	"os/exec"
	"time"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/logger"
)

// DefaultStopWait is the graceful-termination window before the supervisor
// escalates from TERM to KILL.
const DefaultStopWait = 5 * time.Second

// Spec describes one training run. The command is an already fully formed
// argv list (typically an accelerate launch of flux_train_network.py built
// by traincmd); the supervisor performs no interpretation of its contents.
type Spec struct {
	Name     string        `json:"name" mapstructure:"name"`
	Command  []string      `json:"command" mapstructure:"command"`
	WorkDir  string        `json:"work_dir" mapstructure:"work_dir"`
	Env      []string      `json:"env" mapstructure:"env"` // "K=V" overlay applied over the host environment
	PIDFile  string        `json:"pid_file" mapstructure:"pid_file"`
	StopWait time.Duration `json:"stop_wait" mapstructure:"stop_wait"`
	Log      logger.Config `json:"log" mapstructure:"log"`

	// Probe is an optional liveness command consulted during Recover in
	// addition to the pidfile check. A probe that exits non-zero vetoes
	// adoption of the recorded PID.
	Probe string `json:"probe,omitempty" mapstructure:"probe"`
}

func (s Spec) name() string {
	if s.Name != "" {
		return s.Name
	}
	return "flux-lora"
}

func (s Spec) stopWait() time.Duration {
	if s.StopWait > 0 {
		return s.StopWait
	}
	return DefaultStopWait
}

// buildCommand constructs the *exec.Cmd for this spec. The argv is used
// verbatim; no shell is involved, which keeps Windows paths with
// backslashes intact (the original motivation for list-form commands).
func (s Spec) buildCommand() *exec.Cmd {
	// #nosec G204 -- the command is operator-supplied by design
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	configureSysProcAttr(cmd)
	return cmd
}
