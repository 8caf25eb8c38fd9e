package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "instaagent"

// Metrics holds the agent's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	replies     *prometheus.CounterVec
	replyChunks *prometheus.CounterVec
	processing  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound messaging events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Generated replies by dispatch outcome.",
		}, []string{"outcome"}),
		replyChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_chunks_total",
			Help:      "Outbound message chunks by send outcome.",
		}, []string{"outcome"}),
		processing: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time spent handling one event, by kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
	}
}

// RegisterGauges exposes the pending correlation count and the worker
// queue depth. Both are sampled at scrape time.
func RegisterGauges(reg prometheus.Registerer, pendingCorrelations, queueDepth func() float64) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_correlations",
		Help:      "Shares waiting for a follow-up text.",
	}, pendingCorrelations)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Payloads queued for the worker pool.",
	}, queueDepth)
}

func (m *Metrics) Event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Reply(outcome string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(outcome).Inc()
}

// ReplyChunk matches the reply dispatcher's observer signature.
func (m *Metrics) ReplyChunk(ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.replyChunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProcessing(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.processing.WithLabelValues(kind).Observe(d.Seconds())
}
