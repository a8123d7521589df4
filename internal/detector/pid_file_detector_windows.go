//go:build windows

package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive returns true if a process with given pid exists on Windows.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	return true
}

// PIDFileDetector detects a training run via its PID file.
// Format: first line is the PID; an optional second line carries JSON
// metadata ({"start_unix":..., "run_id":"..."}) used to reject reused PIDs.
type PIDFileDetector struct {
	PIDFile string
}

// Meta is the JSON trailer the supervisor writes after the PID line.
type Meta struct {
	StartUnix int64  `json:"start_unix"`
	RunID     string `json:"run_id,omitempty"`
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		cur := getProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return false, nil // PID reused; not our training run
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// ReadPIDFile parses the PID and optional metadata trailer.
func ReadPIDFile(path string) (int, Meta, error) {
	var meta Meta
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return 0, meta, fmt.Errorf("empty pidfile: %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// ProcStartUnix exposes the platform start-time lookup for PID-reuse checks.
func ProcStartUnix(pid int) int64 { return getProcStartUnix(pid) }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
