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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service stops (graceful or kill).",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "auto_restarts_total",
			Help:      "Number of automatic restarts after unexpected exits.",
		}, []string{"service"},
	)
	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackd",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Health probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	healthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "health",
			Name:      "check_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"service"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackd",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per service (0=closed, 1=half_open, 2=open).",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"service", "from", "to"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackd",
			Subsystem: "service",
			Name:      "running",
			Help:      "Number of services currently in the running state.",
		},
	)
	killEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackd",
			Subsystem: "kill",
			Name:      "escalations_total",
			Help:      "Number of stops that escalated from SIGTERM to SIGKILL.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts,
		healthCheckDuration, healthCheckFailures,
		breakerState, stateTransitions, runningServices, killEscalations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving Prometheus metrics for the
// default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncAutoRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func ObserveHealthCheck(service string, seconds float64, failed bool) {
	if !regOK.Load() {
		return
	}
	healthCheckDuration.WithLabelValues(service).Observe(seconds)
	if failed {
		healthCheckFailures.WithLabelValues(service).Inc()
	}
}

func SetBreakerState(service, st string) {
	if !regOK.Load() {
		return
	}
	var v float64
	switch st {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(service).Set(v)
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetRunningServices(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}

func IncKillEscalation(service string) {
	if regOK.Load() {
		killEscalations.WithLabelValues(service).Inc()
	}
}
