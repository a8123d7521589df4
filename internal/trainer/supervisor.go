package trainer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/detector"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/env"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/metrics"
)

// exitCodeUnknown is reported when the run's exit code could not be
// observed (recovered runs that were not spawned by this supervisor).
const exitCodeUnknown = -1

// Supervisor owns at most one training subprocess at a time. Start and Stop
// are idempotent: a duplicate request never errors, it returns the status
// text of the run that already holds the slot. All classifiable conditions
// are reported through state and text rather than error returns; only the
// subprocess's own output and exit code decide between Terminated and
// Failed.
type Supervisor struct {
	mu   sync.Mutex
	log  *slog.Logger
	ring *logRing

	spec      Spec
	state     State
	cmd       *exec.Cmd
	pid       int
	runID     string
	startedAt time.Time
	stoppedAt time.Time
	exitCode  int
	reason    string

	stopRequested bool
	recovered     bool
	waitDone      chan struct{} // closed when the run is confirmed dead

	sink    func(line string)
	onStart func(Status)
	onExit  func(Status)

	fileW io.WriteCloser // combined output file, owned by the reader goroutine
}

func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, ring: newLogRing(), exitCode: exitCodeUnknown}
}

// SetSink installs the line relay callback. Each sanitized output line is
// delivered exactly once, in order, outside the supervisor lock. A nil sink
// disables relaying; the ring and the log file still receive every line.
func (s *Supervisor) SetSink(fn func(line string)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// SetNotify installs lifecycle callbacks invoked after a run starts and
// after it reaches a terminal state. Used for run history recording.
func (s *Supervisor) SetNotify(onStart, onExit func(Status)) {
	s.mu.Lock()
	s.onStart = onStart
	s.onExit = onExit
	s.mu.Unlock()
}

// Start launches a training run for the given spec. If a run is already
// active the request is ignored and the current status text is returned.
// Spawn failure does not return an error either: the supervisor enters the
// Failed state and the returned text carries the reason.
func (s *Supervisor) Start(spec Spec) string {
	s.mu.Lock()
	if s.state.Active() {
		txt := s.textLocked()
		cur := s.state
		s.mu.Unlock()
		s.log.Info("duplicate start request ignored", "state", cur.String())
		return txt
	}
	from := s.state
	s.spec = spec
	s.state = StateStarting
	s.runID = uuid.NewString()
	s.pid = 0
	s.exitCode = exitCodeUnknown
	s.reason = ""
	s.stopRequested = false
	s.recovered = false
	s.stoppedAt = time.Time{}
	s.ring.Reset()
	name, runID := spec.name(), s.runID
	metrics.RecordStateTransition(name, from.String(), StateStarting.String())
	metrics.SetCurrentState(name, StateStarting.String(), true)

	// The spawn happens under the lock. A concurrent Stop or Status call
	// blocks until the run has a PID (or failed), so no caller ever acts
	// on a half-started run.
	if len(spec.Command) == 0 {
		return s.failLocked(name, "empty command")
	}

	cmd := spec.buildCommand()
	e := env.New()
	e.FromOS()
	cmd.Env = e.Merge(spec.Env)

	// A single pipe carries stdout and stderr so the run produces one
	// interleaved stream, decoded by one reader goroutine.
	pr, pw, err := os.Pipe()
	if err != nil {
		return s.failLocked(name, fmt.Sprintf("pipe: %v", err))
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return s.failLocked(name, fmt.Sprintf("spawn failed: %v", err))
	}
	_ = pw.Close() // child holds the write end now

	fileW, err := spec.Log.Writer(name)
	if err != nil {
		s.log.Warn("training log file unavailable", "error", err)
		fileW = nil
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.state = StateRunning
	s.waitDone = make(chan struct{})
	s.fileW = fileW
	txt := s.textLocked()
	notify := s.onStart
	st := s.statusLocked()
	s.mu.Unlock()

	if err := writePIDFile(spec.PIDFile, st.PID, runID); err != nil {
		s.log.Warn("pidfile not written", "path", spec.PIDFile, "error", err)
	}
	metrics.IncStart(name)
	metrics.RecordStateTransition(name, StateStarting.String(), StateRunning.String())
	metrics.SetCurrentState(name, StateStarting.String(), false)
	metrics.SetCurrentState(name, StateRunning.String(), true)
	s.log.Info("training started", "name", name, "pid", st.PID, "run_id", runID)
	if notify != nil {
		notify(st)
	}

	go s.readLoop(pr, cmd)
	return txt
}

// Stop requests termination of the active run and blocks until the process
// tree is confirmed dead or the wait window elapses twice (TERM, then KILL).
// Stopping an idle or already finished supervisor is a no-op that returns
// the current status text.
func (s *Supervisor) Stop(wait time.Duration) string {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateRunning {
		txt := s.textLocked()
		s.mu.Unlock()
		return txt
	}
	from := s.state
	s.state = StateStopping
	s.stopRequested = true
	pid := s.pid
	done := s.waitDone
	name := s.spec.name()
	s.mu.Unlock()
	metrics.RecordStateTransition(name, from.String(), StateStopping.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, StateStopping.String(), true)

	if wait <= 0 {
		wait = s.spec.stopWait()
	}
	s.log.Info("stopping training", "name", name, "pid", pid, "wait", wait)
	if err := terminateTree(pid, false); err != nil {
		s.log.Warn("graceful terminate failed", "pid", pid, "error", err)
	}
	if !waitClosed(done, wait) {
		s.log.Warn("training did not exit in time, killing tree", "pid", pid)
		if err := terminateTree(pid, true); err != nil {
			s.log.Warn("kill failed", "pid", pid, "error", err)
		}
		waitClosed(done, wait)
	}
	metrics.IncStop(name)
	return s.StatusText()
}

// Recover adopts an already running training process recorded in the spec's
// pidfile, typically after a supervisor restart. It reports whether a live,
// non-reused process was adopted. Output of a recovered run cannot be
// re-attached; the ring and sink stay silent, but Stop and Status work.
func (s *Supervisor) Recover(spec Spec) bool {
	pid, meta, err := detector.ReadPIDFile(spec.PIDFile)
	if err != nil {
		return false
	}
	if meta.StartUnix != 0 {
		if got := detector.ProcStartUnix(pid); got != 0 && got != meta.StartUnix {
			// The PID was recycled by an unrelated process.
			return false
		}
	}
	if alive, _ := (detector.PIDDetector{PID: pid}).Alive(); !alive {
		return false
	}
	if spec.Probe != "" {
		d := detector.CommandDetector{Command: spec.Probe}
		if alive, err := d.Alive(); err != nil || !alive {
			s.log.Warn("recovery probe vetoed adoption", "probe", d.Describe(), "pid", pid, "error", err)
			return false
		}
	}

	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.spec = spec
	s.state = StateRunning
	s.pid = pid
	s.runID = meta.RunID
	s.startedAt = time.Unix(meta.StartUnix, 0)
	s.stoppedAt = time.Time{}
	s.exitCode = exitCodeUnknown
	s.reason = ""
	s.stopRequested = false
	s.recovered = true
	s.waitDone = make(chan struct{})
	name := spec.name()
	s.mu.Unlock()
	metrics.RecordStateTransition(name, from.String(), StateRunning.String())
	metrics.SetCurrentState(name, StateRunning.String(), true)
	s.log.Info("recovered running training", "name", name, "pid", pid, "run_id", meta.RunID)

	go s.watchRecovered(pid)
	return true
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// StatusText returns the human-readable status line. The text is a pure
// function of the run's frozen fields, so repeated calls in the same state
// return byte-identical strings.
func (s *Supervisor) StatusText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textLocked()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Logs returns up to n most recent output lines of the current run, oldest
// first. n <= 0 returns all retained lines.
func (s *Supervisor) Logs(n int) []string { return s.ring.Tail(n) }

// Done returns a channel closed when the current run is confirmed dead.
// With no active run the returned channel is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitDone == nil || s.state.Terminal() || s.state == StateIdle {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.waitDone
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		Name:      s.spec.name(),
		State:     s.state.String(),
		Text:      s.textLocked(),
		PID:       s.pid,
		RunID:     s.runID,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		ExitCode:  s.exitCode,
		Reason:    s.reason,
		LogLines:  s.ring.Len(),
	}
}

func (s *Supervisor) textLocked() string {
	switch s.state {
	case StateIdle:
		return "no training started"
	case StateStarting:
		return "training is starting"
	case StateRunning:
		return fmt.Sprintf("training running (pid %d)", s.pid)
	case StateStopping:
		return "training stopping; waiting for the process tree to exit"
	case StateTerminated:
		if s.exitCode == exitCodeUnknown {
			return "training terminated"
		}
		return fmt.Sprintf("training terminated (exit code %d)", s.exitCode)
	case StateFailed:
		return fmt.Sprintf("training failed: %s", s.reason)
	default:
		return s.state.String()
	}
}

// failLocked records a run that never reached Running. The caller holds the
// lock; it is released here.
func (s *Supervisor) failLocked(name, reason string) string {
	from := s.state
	s.state = StateFailed
	s.reason = reason
	s.stoppedAt = time.Now()
	txt := s.textLocked()
	notify := s.onExit
	st := s.statusLocked()
	s.mu.Unlock()
	metrics.IncFailure(name)
	metrics.RecordStateTransition(name, from.String(), StateFailed.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, StateFailed.String(), true)
	s.log.Error("training start failed", "name", name, "reason", reason)
	if notify != nil {
		notify(st)
	}
	return txt
}

// readLoop is the single reader goroutine for a spawned run. It decodes the
// combined stream line by line, sanitizes each line and fans it out to the
// ring, the sink and the rotating log file. A trailing fragment without a
// newline is flushed as its own line. After EOF it reaps the child.
func (s *Supervisor) readLoop(pr *os.File, cmd *exec.Cmd) {
	name := s.Status().Name
	br := bufio.NewReader(pr)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.relay(name, sanitizeLine(line))
		}
		if err != nil {
			break
		}
	}
	_ = pr.Close()
	s.finish(name, cmd.Wait())
}

func (s *Supervisor) relay(name, line string) {
	s.ring.Append(line)
	s.mu.Lock()
	sink := s.sink
	fileW := s.fileW
	s.mu.Unlock()
	if fileW != nil {
		_, _ = io.WriteString(fileW, line+"\n")
	}
	if sink != nil {
		sink(line)
	}
	metrics.AddRelayedLines(name, 1)
}

// finish classifies the exit and settles the terminal state. A run stopped
// on request counts as Terminated even when the tree died from a kill
// signal; only an unrequested nonzero exit is a failure.
func (s *Supervisor) finish(name string, waitErr error) {
	s.mu.Lock()
	from := s.state
	s.stoppedAt = time.Now()
	if s.cmd != nil && s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	switch {
	case s.stopRequested:
		s.state = StateTerminated
		if s.exitCode == exitCodeUnknown {
			s.exitCode = 0
		}
	case waitErr == nil:
		s.state = StateTerminated
		s.exitCode = 0
	default:
		s.state = StateFailed
		if s.exitCode >= 0 {
			s.reason = fmt.Sprintf("exit code %d", s.exitCode)
		} else {
			s.reason = waitErr.Error()
		}
	}
	if s.fileW != nil {
		_ = s.fileW.Close()
		s.fileW = nil
	}
	s.cmd = nil
	pidFile := s.spec.PIDFile
	to := s.state
	dur := s.stoppedAt.Sub(s.startedAt).Seconds()
	notify := s.onExit
	st := s.statusLocked()
	done := s.waitDone
	s.waitDone = nil
	s.mu.Unlock()

	removePIDFile(pidFile)
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, to.String(), true)
	metrics.ObserveRunDuration(name, dur)
	if to == StateFailed {
		metrics.IncFailure(name)
		s.log.Error("training failed", "name", name, "exit_code", st.ExitCode, "reason", st.Reason)
	} else {
		s.log.Info("training finished", "name", name, "exit_code", st.ExitCode)
	}
	if notify != nil {
		notify(st)
	}
	if done != nil {
		close(done)
	}
}

// watchRecovered polls a recovered process until it disappears. The exit
// code of an adopted process is unobservable, so the run always settles as
// Terminated with an unknown exit code.
func (s *Supervisor) watchRecovered(pid int) {
	d := detector.PIDDetector{PID: pid}
	for {
		time.Sleep(time.Second)
		if alive, _ := d.Alive(); !alive {
			break
		}
	}
	s.mu.Lock()
	name := s.spec.name()
	from := s.state
	s.state = StateTerminated
	s.stoppedAt = time.Now()
	pidFile := s.spec.PIDFile
	notify := s.onExit
	st := s.statusLocked()
	done := s.waitDone
	s.waitDone = nil
	s.mu.Unlock()

	removePIDFile(pidFile)
	metrics.RecordStateTransition(name, from.String(), StateTerminated.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, StateTerminated.String(), true)
	s.log.Info("recovered training exited", "name", name, "pid", pid)
	if notify != nil {
		notify(st)
	}
	if done != nil {
		close(done)
	}
}

// sanitizeLine strips the trailing newline and removes control characters
// so relayed lines are safe for UIs and structured logs. Tabs survive;
// ANSI escapes and carriage returns do not.
func sanitizeLine(line string) string {
	line = strings.TrimRight(line, "\r\n")
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// writePIDFile records the run's PID plus a JSON trailer with the process
// start time and run ID, so a later Recover can reject recycled PIDs.
func writePIDFile(path string, pid int, runID string) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(detector.Meta{StartUnix: detector.ProcStartUnix(pid), RunID: runID})
	if err != nil {
		return err
	}
	data := fmt.Sprintf("%d\n%s\n", pid, meta)
	return os.WriteFile(path, []byte(data), 0o644)
}

func removePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
