package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topchat"

// Metrics bundles the Prometheus collectors for the stream core and the local
// HTTP feed. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	chatMessages       prometheus.Counter
	chatDuplicates     prometheus.Counter
	framesDropped      *prometheus.CounterVec
	streamReconnects   prometheus.Counter
	connectionState    *prometheus.GaugeVec
	leaderboardUpdates prometheus.Counter
	contextSyncs       *prometheus.CounterVec
	generations        *prometheus.CounterVec
	overtakes          *prometheus.CounterVec
	archiveErrors      prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	viewsSent       *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages ingested into the rolling store",
		}),
		chatDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_duplicates_total",
			Help:      "Chat messages skipped because their id was already counted",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_dropped_total",
			Help:      "Stream frames dropped before reaching the store",
		}, []string{"reason"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Reconnect attempts scheduled for the chat stream",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current chat stream connection state, 0 otherwise",
		}, []string{"state"}),
		leaderboardUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_updates_total",
			Help:      "Leaderboard snapshots published after change detection",
		}),
		contextSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_syncs_total",
			Help:      "Context summaries sent to ai_licia by result",
		}, []string{"result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Reaction generations triggered by result",
		}, []string{"result"}),
		overtakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overtakes_total",
			Help:      "Top chatter changes detected by notification mode",
		}, []string{"mode"}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_write_errors_total",
			Help:      "Number of archive write errors reported",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Number of views dropped due to slow clients",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		viewsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "views_sent_total",
			Help:      "Number of leaderboard views delivered to feed clients",
		}, []string{"transport"}),
	}

	registry.MustRegister(
		m.chatMessages,
		m.chatDuplicates,
		m.framesDropped,
		m.streamReconnects,
		m.connectionState,
		m.leaderboardUpdates,
		m.contextSyncs,
		m.generations,
		m.overtakes,
		m.archiveErrors,
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.viewsSent,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncChatMessages() {
	if m == nil {
		return
	}
	m.chatMessages.Inc()
}

func (m *Metrics) IncChatDuplicates() {
	if m == nil {
		return
	}
	m.chatDuplicates.Inc()
}

func (m *Metrics) IncFramesDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncStreamReconnects() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

// SetConnectionState flags state as current and clears every other state in
// states.
func (m *Metrics) SetConnectionState(state string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.connectionState.WithLabelValues(s).Set(0)
	}
	m.connectionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) IncLeaderboardUpdates() {
	if m == nil {
		return
	}
	m.leaderboardUpdates.Inc()
}

func (m *Metrics) IncContextSync(result string) {
	if m == nil {
		return
	}
	m.contextSyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) IncGeneration(result string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncOvertake(mode string) {
	if m == nil {
		return
	}
	m.overtakes.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncArchiveErrors() {
	if m == nil {
		return
	}
	m.archiveErrors.Inc()
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncBroadcastDrops increments the drop counter.
func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncViewsSent increments the sent counter for a transport.
func (m *Metrics) IncViewsSent(transport string) {
	if m == nil {
		return
	}
	m.viewsSent.WithLabelValues(transport).Inc()
}
