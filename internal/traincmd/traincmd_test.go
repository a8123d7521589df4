package traincmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func fakeSDScripts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ScriptName), []byte("# stub\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func hasArg(cmd []string, want string) bool {
	for _, a := range cmd {
		if a == want {
			return true
		}
	}
	return false
}

func argValue(cmd []string, flag string) string {
	for i, a := range cmd {
		if a == flag && i+1 < len(cmd) {
			return cmd[i+1]
		}
	}
	return ""
}

func TestBuildLowVRAMPreset(t *testing.T) {
	sd := fakeSDScripts(t)
	out := t.TempDir()
	res, err := Build(Params{
		SDScriptsPath: sd,
		ImageDir:      "/data/img",
		OutputName:    "test_lora",
		OutputRoot:    out,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{"--fp8_base", "--gradient_checkpointing", "--cache_latents", "--cache_latents_to_disk", "--highvram"} {
		if !hasArg(res.Command, want) {
			t.Fatalf("preset flag %s missing from %v", want, res.Command)
		}
	}
	if v := argValue(res.Command, "--optimizer_type"); v != "adafactor" {
		t.Fatalf("optimizer = %q", v)
	}
	if v := argValue(res.Command, "--network_dim"); v != "16" {
		t.Fatalf("default rank = %q", v)
	}
	if res.Command[1] != "-m" || res.Command[2] != "accelerate.commands.launch" {
		t.Fatalf("accelerate not launched as module: %v", res.Command[:3])
	}
	if !hasArg(res.Command, filepath.Join(sd, ScriptName)) {
		t.Fatalf("script path not in argv")
	}
	if _, err := os.Stat(res.OutputDir); err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
}

func TestBuildDatasetTOMLPinsBatchSize(t *testing.T) {
	res, err := Build(Params{
		SDScriptsPath: fakeSDScripts(t),
		ImageDir:      "/data/img",
		OutputRoot:    t.TempDir(),
		Resolution:    768,
		Seed:          7,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := os.ReadFile(res.DatasetTOML)
	if err != nil {
		t.Fatalf("dataset toml missing: %v", err)
	}
	var cfg datasetConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("dataset toml invalid: %v", err)
	}
	if len(cfg.Datasets) != 1 {
		t.Fatalf("expected one dataset, got %d", len(cfg.Datasets))
	}
	ds := cfg.Datasets[0]
	if ds.BatchSize != 1 {
		t.Fatalf("batch size must be pinned to 1, got %d", ds.BatchSize)
	}
	if ds.Resolution != 768 || ds.MaxBucketReso != 768 || ds.MinBucketReso != 256 {
		t.Fatalf("bucket config wrong: %+v", ds)
	}
	if ds.ImageDir != "/data/img" || !ds.EnableBucket {
		t.Fatalf("dataset entry wrong: %+v", ds)
	}
	if cfg.General.Seed != 7 || cfg.General.KeepTokens != 1 || !cfg.General.ShuffleCaption {
		t.Fatalf("general section wrong: %+v", cfg.General)
	}
}

func TestBuildNoDiskCache(t *testing.T) {
	res, err := Build(Params{
		SDScriptsPath: fakeSDScripts(t),
		ImageDir:      "/data/img",
		OutputRoot:    t.TempDir(),
		NoDiskCache:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if hasArg(res.Command, "--cache_latents_to_disk") {
		t.Fatalf("disk cache flag should be absent")
	}
	if !hasArg(res.Command, "--cache_latents") {
		t.Fatalf("in-memory latent caching must stay on")
	}
}

func TestBuildValidation(t *testing.T) {
	if _, err := Build(Params{ImageDir: "/x"}); err == nil {
		t.Fatalf("missing sd_scripts_path should error")
	}
	if _, err := Build(Params{SDScriptsPath: t.TempDir()}); err == nil {
		t.Fatalf("missing image_dir should error")
	}
	_, err := Build(Params{SDScriptsPath: t.TempDir(), ImageDir: "/x", OutputRoot: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "kohya script not found") {
		t.Fatalf("missing script should be reported, got %v", err)
	}
}
