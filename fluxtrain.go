// Package fluxtrain supervises a kohya-ss FLUX LoRA training subprocess:
// one run at a time, idempotent start/stop, an import guard for embedded
// Python runtimes, bounded log relaying and run history.
package fluxtrain

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/config"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/envcheck"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/guard"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/history"
	histfactory "github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/history/factory"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/logger"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/metrics"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/sdscripts"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/server"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/store"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/traincmd"
	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/trainer"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = trainer.Spec

type Status = trainer.Status

type State = trainer.State

type TrainParams = traincmd.Params

type TrainPlan = traincmd.Result

type GuardConfig = guard.Config

type StoreConfig = store.Config

type HistorySink = history.Sink

type EnvReport = envcheck.Report

// Trainer is a thin facade over the internal supervisor that wires the
// guard environment, run history recording and log relaying together.
type Trainer struct {
	sup   *trainer.Supervisor
	grd   *guard.Guard
	st    store.Store
	sinks history.Multi
	log   *slog.Logger
}

func New() *Trainer { return NewWithLogger(logger.NewDefault(false)) }

func NewWithLogger(log *slog.Logger) *Trainer {
	t := &Trainer{sup: trainer.New(log), log: log}
	t.sup.SetNotify(
		func(st Status) { t.record(history.EventStart, st) },
		func(st Status) { t.record(history.EventExit, st) },
	)
	return t
}

// EnableGuard installs the import guard and makes every subsequent Start
// inherit its environment. Extra module names are blocked in addition to
// the defaults.
func (t *Trainer) EnableGuard(gc GuardConfig, extra ...string) error {
	g := guard.New(gc, t.log)
	if err := g.InstallDefaults(); err != nil {
		return err
	}
	if len(extra) > 0 {
		if err := g.Install(extra...); err != nil {
			return err
		}
	}
	t.grd = g
	return nil
}

// Guard returns the installed guard, or nil when EnableGuard was not
// called.
func (t *Trainer) Guard() *guard.Guard { return t.grd }

// SetStore attaches a run history store. The schema is ensured eagerly.
func (t *Trainer) SetStore(s store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	t.st = s
	return nil
}

// SetHistorySinks attaches external analytics sinks for lifecycle events.
func (t *Trainer) SetHistorySinks(sinks ...history.Sink) { t.sinks = sinks }

// SetSink installs the log relay callback, invoked once per sanitized
// output line.
func (t *Trainer) SetSink(fn func(line string)) { t.sup.SetSink(fn) }

// Start launches the run, injecting the guard environment when the guard
// is enabled. Like the underlying supervisor it never returns an error:
// the status text carries the outcome.
func (t *Trainer) Start(spec Spec) string {
	if t.grd != nil {
		spec.Env = append(t.grd.Environ(os.Getenv("PYTHONPATH")), spec.Env...)
	}
	return t.sup.Start(spec)
}

// StartPlan builds the training command from params, resolves the
// sd-scripts working directory and starts the run.
func (t *Trainer) StartPlan(spec Spec, p TrainParams) (string, error) {
	plan, err := traincmd.Build(p)
	if err != nil {
		return "", err
	}
	cwd := spec.WorkDir
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	res, err := sdscripts.Resolve(cwd, plan.Command)
	if err != nil {
		return "", err
	}
	spec.Command = res.Command
	spec.WorkDir = res.WorkDir
	return t.Start(spec), nil
}

func (t *Trainer) Stop(wait time.Duration) string { return t.sup.Stop(wait) }

func (t *Trainer) Status() Status { return t.sup.Status() }

func (t *Trainer) StatusText() string { return t.sup.StatusText() }

func (t *Trainer) State() State { return t.sup.State() }

func (t *Trainer) Logs(n int) []string { return t.sup.Logs(n) }

func (t *Trainer) Done() <-chan struct{} { return t.sup.Done() }

// Recover re-attaches to a still-running training process recorded in the
// spec's pidfile.
func (t *Trainer) Recover(spec Spec) bool { return t.sup.Recover(spec) }

// Close releases the store; the supervisor itself holds no resources
// between runs.
func (t *Trainer) Close() error {
	if t.st != nil {
		return t.st.Close()
	}
	return nil
}

func (t *Trainer) record(typ history.EventType, st Status) {
	rec := store.Record{
		RunID:     st.RunID,
		Name:      st.Name,
		State:     st.State,
		PID:       st.PID,
		ExitCode:  st.ExitCode,
		Reason:    st.Reason,
		StartedAt: st.StartedAt,
		StoppedAt: st.StoppedAt,
		UpdatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if t.st != nil && rec.RunID != "" {
		if err := t.st.RecordRun(ctx, rec); err != nil {
			t.log.Warn("run history store write failed", "run_id", rec.RunID, "error", err)
		}
	}
	if len(t.sinks) > 0 {
		e := history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}
		if err := t.sinks.Send(ctx, e); err != nil {
			t.log.Warn("history sink send failed", "run_id", rec.RunID, "error", err)
		}
	}
}

// BuildCommand generates the dataset TOML and accelerate-launch argv for
// the given parameters without starting anything.
func BuildCommand(p TrainParams) (TrainPlan, error) { return traincmd.Build(p) }

// CheckEnvironment runs the advisory Python environment checks.
func CheckEnvironment(ctx context.Context, python string, env []string) EnvReport {
	return envcheck.New(python, env, slog.Default()).FullCheck(ctx)
}

// FetchSDScripts clones kohya-ss/sd-scripts into dir if absent.
func FetchSDScripts(dir string) error { return sdscripts.Fetch(dir, slog.Default()) }

// LoadConfig reads the TOML configuration file.
func LoadConfig(path string) (cfg.FileConfig, error) { return cfg.Load(path) }

// NewHistorySink creates a history sink from a DSN
// (clickhouse://, opensearch://, postgres://).
func NewHistorySink(dsn string) (HistorySink, error) { return histfactory.NewSinkFromDSN(dsn) }

// NewStore creates a run history store from config (sqlite default).
func NewStore(sc StoreConfig) (store.Store, error) { return store.New(sc) }

// NewHTTPServer starts an HTTP server exposing the supervisor API.
func NewHTTPServer(addr, basePath string, t *Trainer, defaultSpec Spec) *http.Server {
	r := server.NewRouter(t.sup, t.grd, defaultSpec, basePath)
	return server.NewServer(addr, r)
}

// RegisterMetrics registers the Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
