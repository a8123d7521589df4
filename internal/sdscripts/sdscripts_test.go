package sdscripts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveAbsoluteScriptWins(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "flux_train_network.py")
	if err := os.WriteFile(script, []byte("# stub\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := Resolve(t.TempDir(), []string{"python", script, "--flag"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WorkDir != dir {
		t.Fatalf("workdir = %q, want %q", res.WorkDir, dir)
	}
	if res.Command[1] != script {
		t.Fatalf("script arg changed: %v", res.Command)
	}
}

func TestResolveSearchesConventionalDirs(t *testing.T) {
	cwd := t.TempDir()
	sd := filepath.Join(cwd, "sd-scripts")
	if err := os.MkdirAll(sd, 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(sd, "flux_train_network.py")
	if err := os.WriteFile(script, []byte("# stub\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Resolve(cwd, []string{"python", "flux_train_network.py", "--x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WorkDir != sd {
		t.Fatalf("workdir = %q, want %q", res.WorkDir, sd)
	}
	if res.Command[1] != script {
		t.Fatalf("relative script not rewritten: %v", res.Command)
	}
}

func TestResolveLibraryFallback(t *testing.T) {
	cwd := t.TempDir()
	sd := filepath.Join(cwd, "kohya_ss", "sd-scripts")
	if err := os.MkdirAll(filepath.Join(sd, "library"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := Resolve(cwd, []string{"python", "flux_train_network.py"})
	if err != nil {
		t.Fatalf("Resolve via library fallback: %v", err)
	}
	if res.WorkDir != sd {
		t.Fatalf("workdir = %q, want %q", res.WorkDir, sd)
	}
}

func TestResolveNoScriptArgPassesThrough(t *testing.T) {
	cwd := t.TempDir()
	cmd := []string{"nvidia-smi", "--query"}
	res, err := Resolve(cwd, cmd)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WorkDir != cwd || res.Command[0] != "nvidia-smi" {
		t.Fatalf("passthrough broken: %+v", res)
	}
}

func TestResolveMissingEverywhereErrors(t *testing.T) {
	_, err := Resolve(t.TempDir(), []string{"python", "flux_train_network.py"})
	if err == nil {
		t.Fatalf("expected error when script cannot be located")
	}
}
