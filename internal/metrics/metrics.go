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

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of auto restarts following a classified crash.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of exits classified as a crash.",
		}, []string{"name"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Observed start duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "running_instances",
			Help:      "Current running instances per base service name.",
		}, []string{"base"},
	)

	trackedDescendants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "tracked_descendants",
			Help:      "Current number of tracked descendant PIDs per service.",
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different service states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchsup",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processRestarts, processStops, processCrashes, processStartDuration, runningInstances, trackedDescendants, stateTransitions, currentStates, serviceCPUPercent, serviceMemoryMB, serviceProcessCount}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				_ = are // keep existing
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
		processStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}
func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(name).Observe(seconds)
	}
}
func SetRunningInstances(base string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(base).Set(float64(n))
	}
}
func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}
func SetTrackedCount(name string, n int) {
	if regOK.Load() {
		trackedDescendants.WithLabelValues(name).Set(float64(n))
	}
}

// Supervisor adapts the package-level recorder functions to
// internal/supervisor.Metrics, so a Manager can hand it to every
// Supervisor it constructs without supervisor importing this package.
type Supervisor struct{}

func (Supervisor) IncStart(name string)               { IncStart(name) }
func (Supervisor) IncStop(name string)                { IncStop(name) }
func (Supervisor) IncRestart(name string)             { IncRestart(name) }
func (Supervisor) IncCrash(name string)               { IncCrash(name) }
func (Supervisor) SetTrackedCount(name string, n int) { SetTrackedCount(name, n) }

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
