package trainer

import "fmt"

// State is the lifecycle phase of the supervised training process.
//
//	Idle -> Starting -> Running -> (Stopping ->) Terminated | Failed
//
// Terminated and Failed are terminal for a run but not for the supervisor:
// a new Start begins a fresh run from either.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether a run has conclusively ended.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Active reports whether a run currently owns the singleton slot.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}
