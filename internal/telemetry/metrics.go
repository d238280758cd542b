package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one process. Instances carry
// their own registry so tests and embedders never collide on registration.
// A nil *Metrics is valid: every record method is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	snapshotsReceived prometheus.Counter
	parseErrors       prometheus.Counter
	reconnects        prometheus.Counter
	feedConnected     prometheus.Gauge
	eventsBroadcast   *prometheus.CounterVec
	consumerErrors    prometheus.Counter
	computeDuration   prometheus.Histogram
	computeErrors     *prometheus.CounterVec
	wsClients         prometheus.Gauge
	httpRequests      *prometheus.CounterVec
}

// NewMetrics builds and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		snapshotsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipstream_snapshots_received_total",
			Help: "Total orderbook snapshots decoded from the feed",
		}),

		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipstream_parse_errors_total",
			Help: "Total feed payloads dropped as malformed",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipstream_reconnects_total",
			Help: "Total feed reconnect attempts after a failure or drop",
		}),

		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slipstream_feed_connected",
			Help: "Feed connection state (1 connected, 0 otherwise)",
		}),

		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipstream_events_broadcast_total",
			Help: "Total events fanned out to consumers by event type",
		}, []string{"event"}),

		consumerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slipstream_consumer_errors_total",
			Help: "Total consumer delivery failures during fan-out",
		}),

		computeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slipstream_compute_duration_seconds",
			Help:    "Analytics pipeline duration per snapshot",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		computeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipstream_compute_errors_total",
			Help: "Analytics component failures by error code",
		}, []string{"code"}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slipstream_ws_clients",
			Help: "Currently connected websocket clients",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipstream_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.snapshotsReceived,
		m.parseErrors,
		m.reconnects,
		m.feedConnected,
		m.eventsBroadcast,
		m.consumerErrors,
		m.computeDuration,
		m.computeErrors,
		m.wsClients,
		m.httpRequests,
	)

	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSnapshot counts one decoded snapshot.
func (m *Metrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.snapshotsReceived.Inc()
}

// RecordParseError counts one dropped payload.
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetFeedConnected flips the connection gauge.
func (m *Metrics) SetFeedConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.feedConnected.Set(1)
	} else {
		m.feedConnected.Set(0)
	}
}

// RecordBroadcast counts one fan-out and its delivery failures.
func (m *Metrics) RecordBroadcast(event string, failed int) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(event).Inc()
	if failed > 0 {
		m.consumerErrors.Add(float64(failed))
	}
}

// ObserveCompute records one analytics pipeline duration.
func (m *Metrics) ObserveCompute(d time.Duration) {
	if m == nil {
		return
	}
	m.computeDuration.Observe(d.Seconds())
}

// RecordComputeError counts one analytics component failure.
func (m *Metrics) RecordComputeError(code string) {
	if m == nil {
		return
	}
	m.computeErrors.WithLabelValues(code).Inc()
}

// WSClientConnected tracks a websocket client joining.
func (m *Metrics) WSClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

// WSClientDisconnected tracks a websocket client leaving.
func (m *Metrics) WSClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
