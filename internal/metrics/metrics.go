package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thinkd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful child process launches.",
		}, []string{"name"},
	)
	processStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_failures_total",
			Help:      "Number of launch attempts that failed before the child ran.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected child exits.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of graceful child exits.",
		}, []string{"name"},
	)
	outputDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "output_dropped_lines_total",
			Help:      "Child output lines dropped because the log queue was full.",
		}, []string{"name", "stream"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "resident_memory_bytes",
			Help:      "Last sampled resident memory of a supervised child.",
		}, []string{"name"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of supervised processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	healthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "attempts_total",
			Help:      "Health probe attempts by outcome.",
		}, []string{"outcome"},
	)
	healthWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the backend to become ready.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Bridge requests by method and outcome.",
		}, []string{"method", "outcome"},
	)
	bridgePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated response.",
		},
	)

	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes written to local artifacts.",
		},
	)
	installSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "install_steps_total",
			Help:      "Install steps by name and outcome.",
		}, []string{"step", "outcome"},
	)

	manifestWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manifest",
			Name:      "registrations_total",
			Help:      "Native host registrations by browser and outcome.",
		}, []string{"browser", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStartFailures, processCrashes, processStops,
		outputDropped, processRSS, currentStates,
		healthAttempts, healthWait,
		bridgeRequests, bridgePending,
		downloadBytes, installSteps,
		manifestWrites,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name string) {
	if regOK.Load() {
		processStartFailures.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncOutputDropped(name, stream string) {
	if regOK.Load() {
		outputDropped.WithLabelValues(name, stream).Inc()
	}
}

func SetResidentMemory(name string, bytes uint64) {
	if regOK.Load() {
		processRSS.WithLabelValues(name).Set(float64(bytes))
	}
}

// SetCurrentState marks state as the only active state for name.
func SetCurrentState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func IncHealthAttempt(ok bool) {
	if regOK.Load() {
		healthAttempts.WithLabelValues(outcome(ok)).Inc()
	}
}

func ObserveHealthWait(seconds float64) {
	if regOK.Load() {
		healthWait.Observe(seconds)
	}
}

// IncBridgeRequest records a finished bridge call. result is "ok" or an error class.
func IncBridgeRequest(method, result string) {
	if regOK.Load() {
		bridgeRequests.WithLabelValues(method, result).Inc()
	}
}

func SetBridgePending(n int) {
	if regOK.Load() {
		bridgePending.Set(float64(n))
	}
}

func AddDownloadBytes(n int) {
	if regOK.Load() && n > 0 {
		downloadBytes.Add(float64(n))
	}
}

func IncInstallStep(step string, ok bool) {
	if regOK.Load() {
		installSteps.WithLabelValues(step, outcome(ok)).Inc()
	}
}

func IncManifestWrite(browser string, ok bool) {
	if regOK.Load() {
		manifestWrites.WithLabelValues(browser, outcome(ok)).Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
