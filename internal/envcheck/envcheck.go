// Package envcheck validates the Python runtime a training run will use:
// interpreter version window, embedded-distribution detection, CUDA GPU
// presence and the import health of the packages kohya-ss needs. All checks
// are advisory; a failing report never blocks a start, it only explains a
// likely failure in advance.
package envcheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Supported interpreter window for kohya-ss sd-scripts.
	MinPythonMinor = 10
	MaxPythonMinor = 12

	probeTimeout   = 10 * time.Second
	installTimeout = 5 * time.Minute
)

// RequiredPackages maps importable module names to pip install specs.
var RequiredPackages = map[string]string{
	"torch":        "torch",
	"transformers": "transformers",
	"diffusers":    "diffusers",
	"accelerate":   "accelerate",
	"safetensors":  "safetensors",
	"toml":         "toml",
	"omegaconf":    "omegaconf",
}

// Checker probes one Python interpreter.
type Checker struct {
	Python string
	Env    []string
	log    *slog.Logger
}

func New(python string, env []string, log *slog.Logger) *Checker {
	if python == "" {
		python = "python"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{Python: python, Env: env, log: log}
}

// Report aggregates all checks. OK is true only when every hard check
// passed; embedded Python is a warning, not a failure.
type Report struct {
	OK       bool     `json:"ok"`
	Messages []string `json:"messages"`
	Missing  []string `json:"missing,omitempty"`
	Embedded bool     `json:"embedded"`
}

func (c *Checker) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.Python, args...)
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// PythonVersion checks the interpreter against the supported 3.10-3.12
// window.
func (c *Checker) PythonVersion(ctx context.Context) (bool, string) {
	out, err := c.run(ctx, probeTimeout, "-c",
		"import sys; print('%d.%d' % sys.version_info[:2])")
	if err != nil {
		return false, fmt.Sprintf("python not runnable (%s): %v", c.Python, err)
	}
	parts := strings.SplitN(out, ".", 2)
	if len(parts) != 2 {
		return false, fmt.Sprintf("unexpected version output %q", out)
	}
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	switch {
	case major != 3 || minor < MinPythonMinor:
		return false, fmt.Sprintf("Python %s too old (need 3.%d+)", out, MinPythonMinor)
	case minor > MaxPythonMinor:
		return false, fmt.Sprintf("Python %s too new (max 3.%d)", out, MaxPythonMinor)
	default:
		return true, fmt.Sprintf("Python %s OK", out)
	}
}

// Embedded reports whether the interpreter is an embedded distribution,
// recognized by the missing include/Python.h dev header. Embedded Python
// cannot compile triton or bitsandbytes, which is what makes the import
// guard necessary.
func (c *Checker) Embedded(ctx context.Context) bool {
	prefix, err := c.run(ctx, probeTimeout, "-c", "import sys; print(sys.prefix)")
	if err != nil || prefix == "" {
		return false
	}
	_, err = os.Stat(filepath.Join(prefix, "include", "Python.h"))
	return err != nil
}

// GPU probes for a CUDA device via nvidia-smi, falling back to a torch
// probe when the tool is absent.
func (c *Checker) GPU(ctx context.Context) (bool, string) {
	smiCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(smiCtx, "nvidia-smi",
		"--query-gpu=name", "--format=csv,noheader").CombinedOutput()
	if err == nil {
		name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
		if name != "" {
			return true, "GPU: " + name
		}
	}
	tOut, tErr := c.run(ctx, probeTimeout, "-c",
		"import torch; print(torch.cuda.get_device_name(0) if torch.cuda.is_available() else '')")
	if tErr != nil {
		return false, "no CUDA GPU detected (nvidia-smi unavailable, torch probe failed)"
	}
	if tOut == "" {
		return false, "no CUDA GPU detected"
	}
	return true, "GPU: " + tOut
}

// HasPackage checks a single module import in the target interpreter.
func (c *Checker) HasPackage(ctx context.Context, module string) bool {
	_, err := c.run(ctx, probeTimeout, "-c", "import "+module)
	return err == nil
}

// MissingPackages returns the required modules that fail to import, in
// sorted order.
func (c *Checker) MissingPackages(ctx context.Context) []string {
	var missing []string
	for module := range RequiredPackages {
		if !c.HasPackage(ctx, module) {
			missing = append(missing, module)
		}
	}
	sort.Strings(missing)
	return missing
}

// InstallMissing pip-installs every missing required package with a
// per-package timeout. It returns the modules that still failed.
func (c *Checker) InstallMissing(ctx context.Context, missing []string) []string {
	var failed []string
	for _, module := range missing {
		spec := RequiredPackages[module]
		if spec == "" {
			spec = module
		}
		c.log.Info("installing package", "spec", spec)
		out, err := c.run(ctx, installTimeout, "-m", "pip", "install", spec,
			"--no-warn-script-location", "--quiet")
		if err != nil {
			c.log.Error("package install failed", "spec", spec, "error", err, "output", out)
			failed = append(failed, module)
			continue
		}
		c.log.Info("package installed", "spec", spec)
	}
	return failed
}

// FullCheck runs every probe and aggregates the advisory report.
func (c *Checker) FullCheck(ctx context.Context) Report {
	var r Report
	r.OK = true

	ok, msg := c.PythonVersion(ctx)
	r.Messages = append(r.Messages, mark(ok)+" "+msg)
	if !ok {
		r.OK = false
	}

	if r.Embedded = c.Embedded(ctx); r.Embedded {
		r.Messages = append(r.Messages, "! embedded Python detected (import guard will be installed)")
	} else {
		r.Messages = append(r.Messages, "+ full Python installation detected")
	}

	ok, msg = c.GPU(ctx)
	r.Messages = append(r.Messages, mark(ok)+" "+msg)
	if !ok {
		r.OK = false
	}

	r.Missing = c.MissingPackages(ctx)
	if len(r.Missing) > 0 {
		r.Messages = append(r.Messages, "- missing packages: "+strings.Join(r.Missing, ", "))
		r.OK = false
	} else {
		r.Messages = append(r.Messages, "+ all required packages installed")
	}
	return r
}

func mark(ok bool) string {
	if ok {
		return "+"
	}
	return "-"
}
