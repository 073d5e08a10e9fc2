package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	feedEvents     *prometheus.CounterVec
	duplicates     prometheus.Counter
	alerts         *prometheus.CounterVec
	sends          *prometheus.CounterVec
	readMarks      prometheus.Counter
	sessions       prometheus.Gauge
	presenceOnline prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigchat",
			Name:      "feed_events_total",
			Help:      "Change feed events decoded, by kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gigchat",
			Name:      "duplicate_messages_total",
			Help:      "Incoming messages discarded because their id was already known.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigchat",
			Name:      "message_alerts_total",
			Help:      "Alert decisions for incoming messages.",
		}, []string{"decision"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigchat",
			Name:      "sends_total",
			Help:      "Outgoing messages by outcome.",
		}, []string{"outcome"}),
		readMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gigchat",
			Name:      "read_marks_total",
			Help:      "Messages marked read by their recipient.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gigchat",
			Name:      "sessions_active",
			Help:      "Running chat sessions.",
		}),
		presenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gigchat",
			Name:      "presence_online_users",
			Help:      "Users in the latest presence set.",
		}),
	}
	m.registry.MustRegister(
		m.feedEvents, m.duplicates, m.alerts, m.sends, m.readMarks, m.sessions, m.presenceOnline,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FeedEvent(kind string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) AlertDecision(suppressed bool) {
	if m == nil {
		return
	}
	decision := "surfaced"
	if suppressed {
		decision = "suppressed"
	}
	m.alerts.WithLabelValues(decision).Inc()
}

func (m *Metrics) Send(ok bool) {
	if m == nil {
		return
	}
	outcome := "confirmed"
	if !ok {
		outcome = "failed"
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReadMarks(n int) {
	if m == nil {
		return
	}
	m.readMarks.Add(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Online(n int) {
	if m == nil {
		return
	}
	m.presenceOnline.Set(float64(n))
}
