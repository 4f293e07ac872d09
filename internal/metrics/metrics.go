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

	eventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationd",
			Subsystem: "reconcile",
			Name:      "events_applied_total",
			Help:      "Number of stream events applied to batch state.",
		}, []string{"type"},
	)
	eventsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationd",
			Subsystem: "reconcile",
			Name:      "events_discarded_total",
			Help:      "Number of stream events discarded by guards or decode failures.",
		}, []string{"reason"},
	)
	runsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationd",
			Subsystem: "reconcile",
			Name:      "runs_completed_total",
			Help:      "Number of sequence executions that reached completed.",
		}, []string{"result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stationd",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Elapsed time of completed sequence executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"result"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stationd",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Number of event-stream reconnect attempts.",
		},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stationd",
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Current event-stream connection state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	fallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stationd",
			Subsystem: "poll",
			Name:      "fallback_active",
			Help:      "Whether fallback polling is compensating for a lost stream (1 or 0).",
		},
	)
	snapshotPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stationd",
			Subsystem: "poll",
			Name:      "snapshot_polls_total",
			Help:      "Number of list-snapshot poll rounds.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsApplied, eventsDiscarded, runsCompleted, runDuration, reconnects, connectionState, fallbackActive, snapshotPolls}
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

func IncEventApplied(eventType string) {
	if regOK.Load() {
		eventsApplied.WithLabelValues(eventType).Inc()
	}
}

func IncEventDiscarded(reason string) {
	if regOK.Load() {
		eventsDiscarded.WithLabelValues(reason).Inc()
	}
}

func ObserveRunCompleted(passed bool, elapsedSeconds float64) {
	if !regOK.Load() {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	runsCompleted.WithLabelValues(result).Inc()
	runDuration.WithLabelValues(result).Observe(elapsedSeconds)
}

func IncReconnect() {
	if regOK.Load() {
		reconnects.Inc()
	}
}

func SetConnectionState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		connectionState.WithLabelValues(state).Set(v)
	}
}

func SetFallbackActive(active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		fallbackActive.Set(v)
	}
}

func IncSnapshotPoll() {
	if regOK.Load() {
		snapshotPolls.Inc()
	}
}
