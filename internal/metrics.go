package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus collectors on a private registry so
// several servers can live in one process (tests do this). A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	connections      prometheus.Gauge
	participants     prometheus.Gauge
	messages         prometheus.Counter
	uploads          prometheus.Counter
	uploadRejections *prometheus.CounterVec
	uploadBytes      prometheus.Histogram
	downloads        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dropchat_ws_connections",
			Help: "Open chat websocket connections.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dropchat_chat_participants",
			Help: "Connections that have joined the chat.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropchat_chat_messages_total",
			Help: "Chat messages relayed.",
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropchat_uploads_total",
			Help: "Files accepted by the drop.",
		}),
		uploadRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropchat_upload_rejections_total",
			Help: "Uploads refused, by error kind.",
		}, []string{"kind"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dropchat_upload_bytes",
			Help:    "Size of accepted uploads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropchat_downloads_total",
			Help: "Download requests, by outcome.",
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.participants,
		m.messages,
		m.uploads,
		m.uploadRejections,
		m.uploadBytes,
		m.downloads,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) setParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

func (m *Metrics) incMessages() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) observeUpload(size int64) {
	if m == nil {
		return
	}
	m.uploads.Inc()
	m.uploadBytes.Observe(float64(size))
}

func (m *Metrics) incUploadRejection(kind string) {
	if m == nil {
		return
	}
	m.uploadRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) incDownload(mode string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(mode).Inc()
}
