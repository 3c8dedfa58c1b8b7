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

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "starts_total",
			Help:      "Start requests by outcome (already_running, autostart, starting, ready, failed).",
		}, []string{"outcome"},
	)
	startsShared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "start_dedup_shared_total",
			Help:      "Start requests answered by an already in-flight start for the same project.",
		},
	)
	stops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "stops_total",
			Help:      "Number of stop requests.",
		},
	)
	statusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "status_cache_requests_total",
			Help:      "Status reads by cache result (hit or miss).",
		}, []string{"result"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "readiness_duration_seconds",
			Help:      "Time spent waiting for a launched dev server, by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		}, []string{"outcome"},
	)
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "previewr",
			Subsystem: "devserver",
			Name:      "active_streams",
			Help:      "Open server-sent event status streams.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{starts, startsShared, stops, statusRequests, readinessDuration, activeStreams}
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

func IncStart(outcome string) {
	if regOK.Load() {
		starts.WithLabelValues(outcome).Inc()
	}
}

func IncStartShared() {
	if regOK.Load() {
		startsShared.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		stops.Inc()
	}
}

func IncStatus(hit bool) {
	if !regOK.Load() {
		return
	}
	if hit {
		statusRequests.WithLabelValues("hit").Inc()
	} else {
		statusRequests.WithLabelValues("miss").Inc()
	}
}

func ObserveReadiness(outcome string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

// StreamOpened increments the open stream gauge and returns the matching
// decrement.
func StreamOpened() func() {
	if !regOK.Load() {
		return func() {}
	}
	activeStreams.Inc()
	return activeStreams.Dec
}
