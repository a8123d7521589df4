package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	trainingStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "starts_total",
			Help:      "Number of successful training spawns.",
		}, []string{"name"},
	)
	trainingStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "stops_total",
			Help:      "Number of stop requests that ended a run (graceful or kill).",
		}, []string{"name"},
	)
	trainingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "failures_total",
			Help:      "Number of runs that ended in the failed state.",
		}, []string{"name"},
	)
	relayedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "relayed_lines_total",
			Help:      "Output lines relayed from the training subprocess.",
		}, []string{"name"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different run states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fluxtrain",
			Subsystem: "run",
			Name:      "current_state",
			Help:      "Current state of the supervised run (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{trainingStarts, trainingStops, trainingFailures, relayedLines, runDuration, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		trainingStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		trainingStops.WithLabelValues(name).Inc()
	}
}
func IncFailure(name string) {
	if regOK.Load() {
		trainingFailures.WithLabelValues(name).Inc()
	}
}
func AddRelayedLines(name string, n int) {
	if regOK.Load() {
		relayedLines.WithLabelValues(name).Add(float64(n))
	}
}
func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
