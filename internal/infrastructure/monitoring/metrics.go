package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session lifecycle metrics
	SessionsLive      prometheus.Gauge
	SessionStarts     *prometheus.CounterVec
	SessionsReplaced  prometheus.Counter
	SessionsRecovered prometheus.Counter
	SessionsKilled    prometheus.Counter

	// Heartbeat metrics
	HeartbeatsTotal *prometheus.CounterVec
	HeartbeatRTT    prometheus.Histogram

	// Run metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RunsSuppressed prometheus.Counter

	// Provisioning metrics
	LaunchesTotal  *prometheus.CounterVec
	LaunchDuration prometheus.Histogram

	// Cache metrics
	CacheSaves prometheus.Counter
	CacheLoads *prometheus.CounterVec

	// Relay metrics
	RelayClients  prometheus.Gauge
	RelayMessages *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON status API
type Snapshot struct {
	TotalRequests  int64
	TotalErrors    int64
	LiveSessions   int64
	RelayClients   int64
	TotalRuns      int64
	SuppressedRuns int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stoker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Session lifecycle metrics
		SessionsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stoker_sessions_live",
				Help: "Number of sessions currently believed live",
			},
		),
		SessionStarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_session_starts_total",
				Help: "Total number of session starts by origin",
			},
			[]string{"origin"}, // fresh, reattach, replace
		),
		SessionsReplaced: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stoker_sessions_replaced_total",
				Help: "Total number of dead sessions replaced by the monitor",
			},
		),
		SessionsRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stoker_sessions_recovered_total",
				Help: "Total number of sessions reattached from the durable cache",
			},
		),
		SessionsKilled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stoker_sessions_killed_total",
				Help: "Total number of sessions shut down on request",
			},
		),

		// Heartbeat metrics
		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_heartbeats_total",
				Help: "Total number of heartbeat probes by outcome",
			},
			[]string{"outcome"}, // alive, dead, skipped
		),
		HeartbeatRTT: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stoker_heartbeat_rtt_seconds",
				Help:    "Heartbeat probe round-trip time in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		// Run metrics
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_runs_total",
				Help: "Total number of document runs by status",
			},
			[]string{"status"}, // ok, error
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stoker_run_duration_seconds",
				Help:    "Document run duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		RunsSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stoker_runs_suppressed_total",
				Help: "Total number of run requests dropped because one was in flight",
			},
		),

		// Provisioning metrics
		LaunchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_launches_total",
				Help: "Total number of image launches by outcome",
			},
			[]string{"outcome"}, // ready, failed, timeout
		),
		LaunchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stoker_launch_duration_seconds",
				Help:    "Image launch duration from submit to ready in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		// Cache metrics
		CacheSaves: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stoker_cache_saves_total",
				Help: "Total number of session cache writes",
			},
		),
		CacheLoads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_cache_loads_total",
				Help: "Total number of session cache reads by result",
			},
			[]string{"result"}, // hit, miss, malformed
		),

		// Relay metrics
		RelayClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stoker_relay_clients",
				Help: "Number of connected display relay clients",
			},
		),
		RelayMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stoker_relay_messages_total",
				Help: "Total number of relay messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stoker_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSessionStart records a session start by origin (fresh, reattach, replace)
func (m *Metrics) RecordSessionStart(origin string) {
	m.SessionStarts.WithLabelValues(origin).Inc()
}

// RecordSessionReplaced records a dead session replaced by the monitor
func (m *Metrics) RecordSessionReplaced() {
	m.SessionsReplaced.Inc()
}

// RecordSessionRecovered records a session reattached from the cache
func (m *Metrics) RecordSessionRecovered() {
	m.SessionsRecovered.Inc()
}

// RecordSessionKilled records a session shut down on request
func (m *Metrics) RecordSessionKilled() {
	m.SessionsKilled.Inc()
}

// RecordHeartbeat records a heartbeat probe outcome and its round trip
func (m *Metrics) RecordHeartbeat(outcome string, rtt time.Duration) {
	m.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	if rtt > 0 {
		m.HeartbeatRTT.Observe(rtt.Seconds())
	}
}

// RecordRun records a completed document run
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRuns++
	m.mu.Unlock()
}

// RecordRunSuppressed records a run request dropped due to an in-flight run
func (m *Metrics) RecordRunSuppressed() {
	m.RunsSuppressed.Inc()

	m.mu.Lock()
	m.snapshot.SuppressedRuns++
	m.mu.Unlock()
}

// RecordLaunch records an image launch outcome
func (m *Metrics) RecordLaunch(outcome string, duration time.Duration) {
	m.LaunchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ready" {
		m.LaunchDuration.Observe(duration.Seconds())
	}
}

// RecordCacheLoad records a cache read by result (hit, miss, malformed)
func (m *Metrics) RecordCacheLoad(result string) {
	m.CacheLoads.WithLabelValues(result).Inc()
}

// IncCacheSaves increments the cache write counter
func (m *Metrics) IncCacheSaves() {
	m.CacheSaves.Inc()
}

// SetSessionsLive sets the number of sessions currently believed live
func (m *Metrics) SetSessionsLive(count int) {
	m.SessionsLive.Set(float64(count))

	m.mu.Lock()
	m.snapshot.LiveSessions = int64(count)
	m.mu.Unlock()
}

// RecordRelayMessage records a relay message
func (m *Metrics) RecordRelayMessage(direction, msgType string) {
	m.RelayMessages.WithLabelValues(direction, msgType).Inc()
}

// IncRelayClients increments the connected relay client gauge
func (m *Metrics) IncRelayClients() {
	m.RelayClients.Inc()

	m.mu.Lock()
	m.snapshot.RelayClients++
	m.mu.Unlock()
}

// DecRelayClients decrements the connected relay client gauge
func (m *Metrics) DecRelayClients() {
	m.RelayClients.Dec()

	m.mu.Lock()
	m.snapshot.RelayClients--
	m.mu.Unlock()
}

// GetSnapshot returns a copy of the current snapshot values
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeSeconds returns seconds since the collector was created
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
