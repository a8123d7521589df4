package trainer

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/detector"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func shSpec(name string, script string) Spec {
	return Spec{Name: name, Command: []string{"/bin/sh", "-c", script}}
}

func waitDone(t *testing.T, s *Supervisor, d time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(d):
		t.Fatalf("run did not finish within %v (state=%s)", d, s.State())
	}
}

func TestStartRunsAndTerminates(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	txt := s.Start(shSpec("t1", "echo hello"))
	if !strings.HasPrefix(txt, "training running (pid ") {
		t.Fatalf("unexpected start text: %q", txt)
	}
	waitDone(t, s, 5*time.Second)

	st := s.Status()
	if st.State != "terminated" || st.ExitCode != 0 {
		t.Fatalf("expected clean termination, got %+v", st)
	}
	lines := s.Logs(0)
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("expected one relayed line, got %v", lines)
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	first := s.Start(shSpec("dup", "sleep 5"))
	pid := s.Status().PID
	for i := 0; i < 3; i++ {
		again := s.Start(shSpec("dup", "sleep 5"))
		if again != first {
			t.Fatalf("duplicate start text diverged: %q vs %q", again, first)
		}
	}
	if got := s.Status().PID; got != pid {
		t.Fatalf("duplicate start replaced the run: pid %d -> %d", pid, got)
	}
	s.Stop(2 * time.Second)
}

func TestStopIsIdempotentAndClassifiedTerminated(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	if txt := s.Stop(time.Second); txt != "no training started" {
		t.Fatalf("stop on idle: %q", txt)
	}

	s.Start(shSpec("stopme", "sleep 30"))
	txt := s.Stop(2 * time.Second)
	if s.State() != StateTerminated {
		t.Fatalf("stopped run should be terminated, got %s (%q)", s.State(), txt)
	}
	// A second stop is a no-op returning the same terminal text.
	if again := s.Stop(time.Second); again != txt {
		t.Fatalf("second stop diverged: %q vs %q", again, txt)
	}
}

func TestKilledAfterStopIsNotFailure(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	// Trap TERM so only the KILL escalation ends it.
	s.Start(shSpec("stubborn", `trap "" TERM; while true; do sleep 0.1; done`))
	s.Stop(500 * time.Millisecond)
	waitDone(t, s, 5*time.Second)
	if s.State() != StateTerminated {
		t.Fatalf("killed-after-stop should be terminated, got %s", s.State())
	}
}

func TestNonzeroExitIsFailed(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("boom", "exit 3"))
	waitDone(t, s, 5*time.Second)
	st := s.Status()
	if st.State != "failed" || st.ExitCode != 3 {
		t.Fatalf("expected failed with exit 3, got %+v", st)
	}
	if st.Reason == "" || !strings.Contains(st.Text, st.Reason) {
		t.Fatalf("failure text must carry the reason: %+v", st)
	}
}

func TestSpawnFailureEntersFailedState(t *testing.T) {
	s := New(nil)
	txt := s.Start(Spec{Name: "missing", Command: []string{"/definitely-not-a-binary-xyz"}})
	if !strings.HasPrefix(txt, "training failed: ") {
		t.Fatalf("spawn failure text: %q", txt)
	}
	if s.State() != StateFailed || s.Status().Reason == "" {
		t.Fatalf("expected failed state with reason, got %+v", s.Status())
	}
}

func TestEmptyCommandIsClassified(t *testing.T) {
	s := New(nil)
	txt := s.Start(Spec{Name: "empty"})
	if txt != "training failed: empty command" {
		t.Fatalf("unexpected text: %q", txt)
	}
}

func TestRestartAfterTerminalState(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(Spec{Name: "first", Command: []string{"/definitely-not-a-binary-xyz"}})
	if s.State() != StateFailed {
		t.Fatalf("setup: expected failed state")
	}
	s.Start(shSpec("second", "echo back"))
	waitDone(t, s, 5*time.Second)
	if s.State() != StateTerminated {
		t.Fatalf("restart after failure should work, got %s", s.State())
	}
	if lines := s.Logs(0); len(lines) != 1 || lines[0] != "back" {
		t.Fatalf("ring should reset between runs, got %v", lines)
	}
}

func TestStatusTextByteStable(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("stable", "sleep 2"))
	a, b, c := s.StatusText(), s.StatusText(), s.StatusText()
	if a != b || b != c {
		t.Fatalf("running status text unstable: %q %q %q", a, b, c)
	}
	s.Stop(2 * time.Second)
	a, b = s.StatusText(), s.StatusText()
	if a != b {
		t.Fatalf("terminal status text unstable: %q %q", a, b)
	}
}

func TestPartialTrailingLineFlushed(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("partial", `printf 'no-newline'`))
	waitDone(t, s, 5*time.Second)
	if lines := s.Logs(0); len(lines) != 1 || lines[0] != "no-newline" {
		t.Fatalf("trailing fragment not flushed: %v", lines)
	}
}

func TestControlCharactersStripped(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("ctrl", `printf 'a\tb\033mid\r\n'`))
	waitDone(t, s, 5*time.Second)
	lines := s.Logs(0)
	if len(lines) != 1 || lines[0] != "a\tbmid" {
		t.Fatalf("sanitization wrong: %q", lines)
	}
}

func TestStderrInterleavedWithStdout(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("both", "echo out; echo err 1>&2"))
	waitDone(t, s, 5*time.Second)
	lines := s.Logs(0)
	if len(lines) != 2 {
		t.Fatalf("expected both streams relayed, got %v", lines)
	}
}

func TestSinkReceivesLinesInOrder(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	var got []string
	done := make(chan struct{})
	s.SetSink(func(line string) {
		got = append(got, line)
		if len(got) == 3 {
			close(done)
		}
	})
	s.Start(shSpec("order", "echo 1; echo 2; echo 3"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sink received %v", got)
	}
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("lines out of order: %v", got)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "train.pid")
	s := New(nil)
	spec := shSpec("pf", "sleep 3")
	spec.PIDFile = pidfile
	s.Start(spec)

	pid, meta, err := detector.ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("pidfile not readable after start: %v", err)
	}
	if pid != s.Status().PID || meta.RunID != s.Status().RunID {
		t.Fatalf("pidfile mismatch: pid=%d meta=%+v status=%+v", pid, meta, s.Status())
	}

	s.Stop(2 * time.Second)
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pidfile should be removed after exit, stat err=%v", err)
	}
}

func TestLogFileReceivesOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	s := New(nil)
	spec := shSpec("filelog", "echo persisted")
	spec.Log.Dir = dir
	s.Start(spec)
	waitDone(t, s, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "filelog.train.log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "persisted") {
		t.Fatalf("log file content: %q", string(data))
	}
}

func TestRecoverRejectsDeadAndMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	if s.Recover(Spec{Name: "none", PIDFile: filepath.Join(dir, "absent.pid")}) {
		t.Fatalf("recover from missing pidfile should fail")
	}
	// Stale pidfile for a PID that cannot exist.
	stale := filepath.Join(dir, "stale.pid")
	if err := os.WriteFile(stale, []byte("999999999\n{\"start_unix\":1,\"run_id\":\"x\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if s.Recover(Spec{Name: "stale", PIDFile: stale}) {
		t.Fatalf("recover from dead pid should fail")
	}
	if s.State() != StateIdle {
		t.Fatalf("failed recover must not change state, got %s", s.State())
	}
}

func TestRecoverProbeVetoesAdoption(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "probe.pid")
	owner := New(nil)
	spec := shSpec("probe", "sleep 30")
	spec.PIDFile = pidfile
	owner.Start(spec)
	defer func() {
		owner.Stop(2 * time.Second)
		waitDone(t, owner, 5*time.Second)
	}()

	other := New(nil)
	veto := spec
	veto.Probe = "false"
	if other.Recover(veto) {
		t.Fatalf("failing probe must veto adoption")
	}
	if other.State() != StateIdle {
		t.Fatalf("vetoed recover must not change state, got %s", other.State())
	}

	ok := spec
	ok.Probe = "true"
	if !other.Recover(ok) {
		t.Fatalf("passing probe should adopt the live run")
	}
	if other.State() != StateRunning {
		t.Fatalf("adopted run should be running, got %s", other.State())
	}
}

func TestTerminateTreeRejectsNonPositivePID(t *testing.T) {
	// kill(0)/kill(-1) would address the test's own process group.
	if err := terminateTree(0, false); err == nil {
		t.Fatalf("pid 0 must be refused")
	}
	if err := terminateTree(-1, true); err == nil {
		t.Fatalf("negative pid must be refused")
	}
}

func TestStopConcurrentWithStart(t *testing.T) {
	requireUnix(t)
	// A stop racing the spawn must act on the spawned tree or on nothing.
	// If it ever signaled pid 0 the whole test process group would die.
	for i := 0; i < 3; i++ {
		s := New(nil)
		started := make(chan string, 1)
		go func() { started <- s.Start(shSpec("race", "sleep 30")) }()
		s.Stop(2 * time.Second)
		<-started
		s.Stop(2 * time.Second)
		waitDone(t, s, 5*time.Second)
		if got := s.State(); got != StateTerminated {
			t.Fatalf("iteration %d: want terminated, got %s", i, got)
		}
	}
}

func TestDoneOpenWhileRunning(t *testing.T) {
	requireUnix(t)
	s := New(nil)
	s.Start(shSpec("live", "sleep 10"))
	select {
	case <-s.Done():
		t.Fatalf("done reported a live run as dead")
	default:
	}
	s.Stop(2 * time.Second)
	waitDone(t, s, 5*time.Second)
}
