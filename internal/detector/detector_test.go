package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPIDDetectorSelf(t *testing.T) {
	d := PIDDetector{PID: os.Getpid()}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("own pid should be alive: %v %v", alive, err)
	}
	if d.Describe() == "" {
		t.Fatalf("empty describe")
	}
}

func TestPIDDetectorDead(t *testing.T) {
	d := PIDDetector{PID: 999999999}
	if alive, _ := d.Alive(); alive {
		t.Fatalf("absurd pid reported alive")
	}
}

func writeTestPIDFile(t *testing.T, pid int, meta string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pid")
	content := fmt.Sprintf("%d\n%s\n", pid, meta)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadPIDFileWithMeta(t *testing.T) {
	path := writeTestPIDFile(t, 4242, `{"start_unix":1700000000,"run_id":"abc"}`)
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 || meta.StartUnix != 1700000000 || meta.RunID != "abc" {
		t.Fatalf("parsed wrong: pid=%d meta=%+v", pid, meta)
	}
}

func TestReadPIDFileWithoutMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.pid")
	if err := os.WriteFile(path, []byte("77\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("bare pidfile should parse: %v", err)
	}
	if pid != 77 || meta.StartUnix != 0 || meta.RunID != "" {
		t.Fatalf("unexpected: pid=%d meta=%+v", pid, meta)
	}
}

func TestReadPIDFileErrors(t *testing.T) {
	if _, _, err := ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid")); err == nil {
		t.Fatalf("missing file should error")
	}
	bad := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(bad, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadPIDFile(bad); err == nil {
		t.Fatalf("garbage pid should error")
	}
}

func TestPIDFileDetectorAliveForSelf(t *testing.T) {
	start := ProcStartUnix(os.Getpid())
	meta := fmt.Sprintf(`{"start_unix":%d,"run_id":"self"}`, start)
	path := writeTestPIDFile(t, os.Getpid(), meta)
	d := PIDFileDetector{PIDFile: path}
	alive, err := d.Alive()
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if !alive {
		t.Fatalf("own pid via pidfile should be alive")
	}
}

func TestPIDFileDetectorRejectsPIDReuse(t *testing.T) {
	// A start time that cannot match the current process.
	path := writeTestPIDFile(t, os.Getpid(), `{"start_unix":1,"run_id":"old"}`)
	d := PIDFileDetector{PIDFile: path}
	alive, _ := d.Alive()
	if alive && ProcStartUnix(os.Getpid()) != 0 {
		t.Fatalf("mismatched start time should report not alive")
	}
}

func TestProcStartUnixSelf(t *testing.T) {
	if ProcStartUnix(os.Getpid()) == 0 {
		t.Skip("process start time unavailable on this platform")
	}
}

func TestCommandDetectorExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell commands")
	}
	alive, err := (CommandDetector{Command: "true"}).Alive()
	if err != nil || !alive {
		t.Fatalf("true should report alive: %v %v", alive, err)
	}
	alive, err = (CommandDetector{Command: "false"}).Alive()
	if err != nil || alive {
		t.Fatalf("false should report not alive without error: %v %v", alive, err)
	}
}

func TestCommandDetectorShellMetacharacters(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell commands")
	}
	// The pipe forces the shell path.
	alive, err := (CommandDetector{Command: "echo ok | grep ok"}).Alive()
	if err != nil || !alive {
		t.Fatalf("shell pipeline should report alive: %v %v", alive, err)
	}
}

func TestCommandDetectorEmptyAlwaysAlive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell commands")
	}
	alive, err := (CommandDetector{}).Alive()
	if err != nil || !alive {
		t.Fatalf("empty probe should default to alive: %v %v", alive, err)
	}
	if (CommandDetector{Command: "x"}).Describe() != "cmd:x" {
		t.Fatalf("unexpected describe")
	}
}
