// Package metrics wires the Prometheus counters, gauges, and histogram
// the server exposes, served at the sideband /metrics endpoint.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every observable counter, gauge, and histogram this
// server exposes. A nil *Metrics is never constructed; callers that want
// metrics disabled simply never mount Handler().
type Metrics struct {
	Registry *prometheus.Registry

	Requests             prometheus.Counter
	RequestSuccessTotal  prometheus.Counter
	RequestFailureTotal  prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheSetTotal        prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	ResponseSpeedBytes   prometheus.Counter
	RequestDuration      prometheus.Histogram
	ActiveConnections    prometheus.Gauge
	MemoryUsageBytes     prometheus.Gauge
	CPUUsagePercentage   prometheus.Gauge
	ProcessUptimeSeconds prometheus.Gauge

	startedAt time.Time
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests", Help: "total requests dispatched",
		}),
		RequestSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "request_success_total", Help: "requests that returned success=true",
		}),
		RequestFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "request_failure_total", Help: "requests that returned success=false",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total", Help: "cache layer get hits",
		}),
		CacheSetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_set_total", Help: "cache layer put/set operations",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total", Help: "cache layer get misses",
		}),
		ResponseSpeedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "response_speed_bytes", Help: "total bytes written in responses",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "request_duration_seconds", Help: "dispatcher handling latency",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections", Help: "currently open TCP connections",
		}),
		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes", Help: "memory obtained from the OS by the Go runtime (runtime.MemStats.Sys)",
		}),
		CPUUsagePercentage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage", Help: "process CPU usage percentage",
		}),
		ProcessUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_uptime_seconds", Help: "seconds since process start",
		}),
		startedAt: time.Now(),
	}

	reg.MustRegister(
		m.Requests, m.RequestSuccessTotal, m.RequestFailureTotal,
		m.CacheHitsTotal, m.CacheSetTotal, m.CacheMissesTotal,
		m.ResponseSpeedBytes, m.RequestDuration,
		m.ActiveConnections, m.MemoryUsageBytes, m.CPUUsagePercentage, m.ProcessUptimeSeconds,
	)
	return m
}

// Handler returns the promhttp handler bound to this registry, used by
// the server's sideband /metrics branch.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SampleRuntime refreshes the process-level gauges from the Go runtime.
// CPU percentage has no portable cheap source in the standard library,
// so it is left at its last sampled value here (0 on a freshly
// constructed server); an operator wiring real CPU accounting can
// overwrite CPUUsagePercentage directly.
func (m *Metrics) SampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryUsageBytes.Set(float64(ms.Sys))
	m.ProcessUptimeSeconds.Set(time.Since(m.startedAt).Seconds())
}
