// Package guard prepares the training subprocess's Python import environment.
//
// Embedded Python distributions shipped with ComfyUI lack compiler headers,
// so optional native accelerators (triton, bitsandbytes) crash the training
// stack at import time. The guard renders a sitecustomize.py into its own
// directory; Python imports sitecustomize before anything else on sys.path,
// and the rendered file seeds sys.modules with inert stand-ins so every
// availability probe gets a definitive, non-exceptional "not present" answer.
package guard

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"
)

// OriginMarker tags a stand-in as intentionally absent. Library code that
// inspects __file__ or __spec__.origin sees this instead of a real path.
const OriginMarker = "<blocked>"

// FileName is the rendered artifact; the name is significant: Python's site
// machinery auto-imports sitecustomize from sys.path at interpreter startup.
const FileName = "sitecustomize.py"

// DefaultBlocked lists the modules known to break embedded Python installs,
// with the reason surfaced in the stub's __doc__.
var DefaultBlocked = map[string]string{
	"triton":              "triton requires Python.h (use standard PyTorch operations)",
	"triton.language":     "triton.language blocked (kernel compiler unavailable)",
	"triton.compiler":     "triton.compiler blocked (kernel compiler unavailable)",
	"bitsandbytes":        "bitsandbytes requires compilation (quantization disabled)",
	"bitsandbytes.nn":     "bitsandbytes.nn blocked (embedded Python limitation)",
	"bitsandbytes.triton": "bitsandbytes.triton blocked (compilation not supported)",
}

// SafetyEnv returns the environment variables that keep the blocked stacks
// from probing for native code paths even before the stubs are consulted.
func SafetyEnv() []string {
	return []string{
		"BITSANDBYTES_NOWELCOME=1",
		"DISABLE_TRITON=1",
		"DISABLE_BITSANDBYTES_WARN=1",
		"BNB_CUDA_VERSION=0",
		"DIFFUSERS_DISABLE_TELEMETRY=1",
	}
}

// Config configures a Guard.
type Config struct {
	Dir    string `json:"dir" mapstructure:"dir"`       // directory holding the rendered sitecustomize.py
	Python string `json:"python" mapstructure:"python"` // optional interpreter for exec verification
}

// Guard owns the stand-in registry for one guard directory.
type Guard struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.Mutex
	modules map[string]string // dotted name -> reason
}

func New(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, log: logger, modules: make(map[string]string)}
}

// Dir returns the guard directory (the PYTHONPATH entry to prepend).
func (g *Guard) Dir() string { return g.cfg.Dir }

// Install registers the named modules and renders the stand-in file.
// Unknown names get a generic reason. Re-invocation is idempotent: a call
// that adds nothing new leaves an existing rendered file untouched.
func (g *Guard) Install(names ...string) error {
	g.mu.Lock()
	changed := false
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		reason, ok := DefaultBlocked[n]
		if !ok {
			reason = "blocked in embedded Python environments"
		}
		if _, exists := g.modules[n]; !exists {
			changed = true
		}
		g.modules[n] = reason
	}
	mods := g.snapshotLocked()
	g.mu.Unlock()
	if !changed {
		if _, err := os.Stat(filepath.Join(g.cfg.Dir, FileName)); err == nil {
			return nil
		}
	}
	return g.render(mods)
}

// InstallDefaults registers every module in DefaultBlocked.
func (g *Guard) InstallDefaults() error {
	names := make([]string, 0, len(DefaultBlocked))
	for n := range DefaultBlocked {
		names = append(names, n)
	}
	return g.Install(names...)
}

// Modules returns the registered dotted names, sorted.
func (g *Guard) Modules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.modules))
	for n := range g.modules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Environ composes the subprocess environment entries the supervisor must
// apply: the guard directory prepended to PYTHONPATH plus the safety vars.
// prevPythonPath is the caller's current PYTHONPATH value (may be empty).
func (g *Guard) Environ(prevPythonPath string) []string {
	parts := []string{g.cfg.Dir}
	if prevPythonPath != "" {
		parts = append(parts, prevPythonPath)
	}
	env := []string{"PYTHONPATH=" + strings.Join(parts, string(os.PathListSeparator))}
	return append(env, SafetyEnv()...)
}

// Verify confirms every named entry is present in the rendered file with the
// origin marker, and, when an interpreter is configured and resolvable,
// exec-probes the stub contract. Advisory: it returns false and logs the
// failing name; it never returns an error.
func (g *Guard) Verify(names ...string) bool {
	if len(names) == 0 {
		names = g.Modules()
	}
	data, err := os.ReadFile(filepath.Join(g.cfg.Dir, FileName))
	if err != nil {
		g.log.Warn("guard verify: stand-in file unreadable", "path", filepath.Join(g.cfg.Dir, FileName), "error", err)
		return false
	}
	text := string(data)
	if !strings.Contains(text, "_ORIGIN = '"+OriginMarker+"'") {
		g.log.Warn("guard verify: origin marker missing")
		return false
	}
	ok := true
	for _, n := range names {
		if !strings.Contains(text, fmt.Sprintf("%q:", n)) {
			g.log.Warn("guard verify: module not registered", "module", n)
			ok = false
		}
	}
	if !ok {
		return false
	}
	return g.execProbe(names)
}

// execProbe imports each blocked name through the configured interpreter and
// checks the origin marker and decorator behavior. Skipped (treated as pass)
// when no interpreter is available; file-level verification already ran.
func (g *Guard) execProbe(names []string) bool {
	py := g.cfg.Python
	if py == "" {
		return true
	}
	if _, err := exec.LookPath(py); err != nil {
		g.log.Debug("guard verify: interpreter unavailable, skipping exec probe", "python", py)
		return true
	}
	var b strings.Builder
	b.WriteString("import sys\n")
	for _, n := range names {
		top := strings.SplitN(n, ".", 2)[0]
		fmt.Fprintf(&b, "import %s\n", n)
		fmt.Fprintf(&b, "assert getattr(sys.modules[%q], '__file__', None) == %q, %q\n", n, OriginMarker, n)
		fmt.Fprintf(&b, "f = lambda x: x\nassert %s(f) is f, %q\n", top, top)
	}
	env := append(os.Environ(), "PYTHONPATH="+g.cfg.Dir)
	// #nosec G204
	cmd := exec.Command(py, "-c", b.String())
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		g.log.Warn("guard verify: exec probe failed", "python", py, "output", strings.TrimSpace(string(out)), "error", err)
		return false
	}
	return true
}

func (g *Guard) snapshotLocked() map[string]string {
	out := make(map[string]string, len(g.modules))
	for k, v := range g.modules {
		out[k] = v
	}
	return out
}

func (g *Guard) render(mods map[string]string) error {
	if g.cfg.Dir == "" {
		return fmt.Errorf("guard: directory not configured")
	}
	if err := os.MkdirAll(g.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("guard: create dir: %w", err)
	}
	names := make([]string, 0, len(mods))
	for n := range mods {
		names = append(names, n)
	}
	sort.Strings(names)
	type entry struct{ Name, Reason string }
	data := struct {
		Origin      string
		GeneratedAt string
		Entries     []entry
	}{
		Origin:      OriginMarker,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Entries:     make([]entry, 0, len(names)),
	}
	for _, n := range names {
		data.Entries = append(data.Entries, entry{Name: n, Reason: mods[n]})
	}
	var b strings.Builder
	if err := stubTemplate.Execute(&b, data); err != nil {
		return fmt.Errorf("guard: render: %w", err)
	}
	path := filepath.Join(g.cfg.Dir, FileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil { // #nosec G306
		return fmt.Errorf("guard: write %s: %w", path, err)
	}
	g.log.Debug("guard installed", "path", path, "modules", len(names))
	return nil
}

var stubTemplate = template.Must(template.New("sitecustomize").Parse(`# Generated at {{.GeneratedAt}}. Do not edit.
#
# Seeds sys.modules with inert stand-ins for native-extension packages that
# cannot load in this Python environment. Auto-imported by the interpreter's
# site machinery before any training code runs.
import sys

_ORIGIN = '{{.Origin}}'


class _InertModule(object):
    """Stand-in that satisfies import-machinery introspection.

    Attribute access chains to the stand-in itself and never raises; calling
    it returns the first positional argument unchanged so decorated functions
    stay usable; __file__ and __spec__.origin carry the marker that tells
    probing code this module is intentionally absent.
    """

    def __init__(self, name, reason):
        self.__name__ = name
        self.__package__ = name.rpartition('.')[0]
        self.__doc__ = 'BLOCKED: ' + reason
        self.__file__ = _ORIGIN
        self.__path__ = []
        self.__all__ = []
        try:
            from importlib.machinery import ModuleSpec
            spec = ModuleSpec(name, None, origin=_ORIGIN, is_package=True)
            spec.has_location = False
            self.__spec__ = spec
        except Exception:
            self.__spec__ = None

    def __getattr__(self, _name):
        return self

    def __call__(self, *args, **kwargs):
        if args:
            return args[0]
        return self

    def __repr__(self):
        return '<inert module %r (%s)>' % (self.__name__, _ORIGIN)


_BLOCKED = {
{{- range .Entries}}
    "{{.Name}}": "{{.Reason}}",
{{- end}}
}

for _name, _reason in _BLOCKED.items():
    # setdefault keeps the first registered instance stable across re-runs.
    sys.modules.setdefault(_name, _InertModule(_name, _reason))
`))
