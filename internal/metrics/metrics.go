// Package metrics implements the broker's Prometheus instrumentation: one
// promauto-built collector set, exposed to the rest of the tree through the
// narrow internal/broadcast.Collector and internal/session.Collector
// interfaces so those packages never import Prometheus directly.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the broker's full Prometheus collector set.
type Metrics struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionDuration prometheus.Histogram
	connectionsErrors  prometheus.Counter

	messagesReceived prometheus.Counter

	queueDepth               prometheus.Gauge
	sessionsActive           prometheus.Gauge
	eventsPublished          prometheus.Counter
	eventsDelivered          prometheus.Counter
	eventsSuppressedNoop     prometheus.Counter
	sessionsDroppedOnFailure prometheus.Counter

	changesPushed     prometheus.Counter
	changesSuppressed prometheus.Counter
	subscribeErrors   *prometheus.CounterVec

	resolveLatency prometheus.Histogram

	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	startTime time.Time
	tracker   *ConnectionTracker
}

// New registers and returns the broker's collector set against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		tracker:   NewConnectionTracker(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_connections_active",
			Help: "Number of currently active WebSocket connections",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcaster_connection_duration_seconds",
			Help:    "Duration of WebSocket connections",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_connection_errors_total",
			Help: "Total number of WebSocket connection/upgrade errors",
		}),

		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_messages_received_total",
			Help: "Total number of inbound client messages processed",
		}),

		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_queue_depth",
			Help: "Current number of buffered events in the broadcast queue",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_sessions_active",
			Help: "Number of sessions currently registered with the broadcast queue",
		}),
		eventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_events_published_total",
			Help: "Total number of events accepted onto the broadcast queue",
		}),
		eventsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_events_delivered_total",
			Help: "Total number of events handed off to a subscribed session",
		}),
		eventsSuppressedNoop: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_events_suppressed_total",
			Help: "Total number of events published with no registered sessions",
		}),
		sessionsDroppedOnFailure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_sessions_dropped_total",
			Help: "Total number of sessions unregistered after a failed delivery",
		}),

		changesPushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_changes_pushed_total",
			Help: "Total number of 'data changed' envelopes pushed after re-resolution",
		}),
		changesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_changes_suppressed_total",
			Help: "Total number of re-resolutions whose hash matched the stored baseline",
		}),
		subscribeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_subscribe_errors_total",
			Help: "Total number of client messages rejected, by status code",
		}, []string{"status_code"}),

		resolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcaster_resolve_latency_seconds",
			Help:    "Latency of resolving a subscription descriptor against the database",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_goroutines",
			Help: "Number of goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_memory_usage_bytes",
			Help: "Process heap memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_cpu_usage_percent",
			Help: "Host-wide CPU usage percentage",
		}),
	}
}

// --- connection lifecycle, used by internal/wstransport ---

func (m *Metrics) ConnectionOpened(id, remoteAddr string) {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
	m.tracker.AddConnection(id, remoteAddr)
}

func (m *Metrics) ConnectionClosed(id string, duration time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(duration.Seconds())
	m.tracker.RemoveConnection(id)
}

func (m *Metrics) ConnectionError() {
	m.connectionsErrors.Inc()
}

// MessageTransferred records a message on id's connection for the
// per-connection stats surfaced at /stats. sent distinguishes an outbound
// push from an inbound client message.
func (m *Metrics) MessageTransferred(id string, sent bool, bytes int) {
	m.tracker.UpdateConnectionStats(id, sent, uint64(bytes))
}

// ConnectionStats returns the live per-connection detail backing the
// broker's /stats endpoint.
func (m *Metrics) ConnectionStats() map[string]interface{} {
	return m.tracker.GetConnectionStats()
}

func (m *Metrics) ResolveLatency(d time.Duration) {
	m.resolveLatency.Observe(d.Seconds())
}

func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// --- internal/broadcast.Collector ---

func (m *Metrics) QueueDepthSet(n int)   { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SessionCountSet(n int) { m.sessionsActive.Set(float64(n)) }
func (m *Metrics) EventPublished()       { m.eventsPublished.Inc() }
func (m *Metrics) EventDelivered()       { m.eventsDelivered.Inc() }
func (m *Metrics) EventSuppressedNoop()  { m.eventsSuppressedNoop.Inc() }
func (m *Metrics) SessionRemovedOnFailure() {
	m.sessionsDroppedOnFailure.Inc()
}

// --- internal/session.Collector ---

func (m *Metrics) MessageReceived() { m.messagesReceived.Inc() }

// ChangePushed records a "data changed" envelope both in the aggregate
// Prometheus counter and against id's per-session detail in ConnectionStats.
func (m *Metrics) ChangePushed(id string) {
	m.changesPushed.Inc()
	m.tracker.RecordChangePushed(id)
}

// ChangeSuppressed records a re-resolution whose hash matched the stored
// baseline, both in the aggregate Prometheus counter and per-session.
func (m *Metrics) ChangeSuppressed(id string) {
	m.changesSuppressed.Inc()
	m.tracker.RecordChangeSuppressed(id)
}

func (m *Metrics) SubscribeError(code int) {
	m.subscribeErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SubscriptionCountSet records id's current subscription table size for
// display alongside its connection detail.
func (m *Metrics) SubscriptionCountSet(id string, n int) {
	m.tracker.SetSubscriptionCount(id, n)
}

// --- system sampler target, used by internal/metrics.System ---

func (m *Metrics) setGoroutines(n int)           { m.goroutinesCount.Set(float64(n)) }
func (m *Metrics) setMemoryUsageBytes(b float64) { m.memoryUsage.Set(b) }
func (m *Metrics) setCPUPercent(p float64)       { m.cpuUsage.Set(p) }
