package trainer

import "time"

// Status is a point-in-time snapshot of the supervised run.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Text      string    `json:"text"`
	PID       int       `json:"pid,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	ExitCode  int       `json:"exit_code"`
	Reason    string    `json:"reason,omitempty"`
	LogLines  int       `json:"log_lines"`
}
