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

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airship",
			Subsystem: "ingest",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by result (ok, not_registered, error).",
		}, []string{"result"},
	)
	packets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "airship",
			Subsystem: "ingest",
			Name:      "packets_total",
			Help:      "Packets reported by agents.",
		},
	)
	registrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "airship",
			Subsystem: "ingest",
			Name:      "registrations_total",
			Help:      "Register calls accepted.",
		},
	)
	scans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "airship",
			Subsystem: "controller",
			Name:      "scans_total",
			Help:      "Completed scan cycles.",
		},
	)
	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "airship",
			Subsystem: "controller",
			Name:      "scan_duration_seconds",
			Help:      "Time spent deciding in one scan cycle (lifecycle calls excluded).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	machinesToStart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "airship",
			Subsystem: "controller",
			Name:      "machines_to_start",
			Help:      "Start target computed by the last scan before clamping.",
		},
	)
	machines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "airship",
			Subsystem: "controller",
			Name:      "machines",
			Help:      "Registered machines by status.",
		}, []string{"status"},
	)
	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "airship",
			Subsystem: "controller",
			Name:      "inflight_transitions",
			Help:      "Lifecycle calls currently outstanding.",
		},
	)
	lifecycleCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airship",
			Subsystem: "lifecycle",
			Name:      "calls_total",
			Help:      "Lifecycle provider calls by action and result.",
		}, []string{"action", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{heartbeats, packets, registrations, scans, scanDuration, machinesToStart, machines, inflight, lifecycleCalls}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncHeartbeat(result string) {
	if regOK.Load() {
		heartbeats.WithLabelValues(result).Inc()
	}
}

func AddPackets(n uint64) {
	if regOK.Load() {
		packets.Add(float64(n))
	}
}

func IncRegistration() {
	if regOK.Load() {
		registrations.Inc()
	}
}

func ObserveScan(seconds float64, target int) {
	if regOK.Load() {
		scans.Inc()
		scanDuration.Observe(seconds)
		machinesToStart.Set(float64(target))
	}
}

func SetMachines(started, stopped int) {
	if regOK.Load() {
		machines.WithLabelValues("started").Set(float64(started))
		machines.WithLabelValues("stopped").Set(float64(stopped))
	}
}

func SetInflight(n int) {
	if regOK.Load() {
		inflight.Set(float64(n))
	}
}

func IncLifecycleCall(action, result string) {
	if regOK.Load() {
		lifecycleCalls.WithLabelValues(action, result).Inc()
	}
}
