// Package metrics 定义流式对话相关的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总所有流式指标。nil 接收者上的方法都是空操作，便于测试与禁用指标时直接传 nil。
type Metrics struct {
	streamsStarted     *prometheus.CounterVec
	streamsFinished    *prometheus.CounterVec
	chunksRelayed      prometheus.Counter
	streamDuration     *prometheus.HistogramVec
	activeStreams      prometheus.Gauge
	clientDisconnects  prometheus.Counter
	checkpointFailures prometheus.Counter
}

// New 在 reg 上注册指标。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streamsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "streams_started_total",
			Help:      "Number of chat streams opened, by turn kind and provider.",
		}, []string{"kind", "provider"}),
		streamsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "streams_finished_total",
			Help:      "Number of chat streams finished, by turn kind and outcome.",
		}, []string{"kind", "outcome"}),
		chunksRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "chunks_relayed_total",
			Help:      "Content chunks received from providers.",
		}),
		streamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polychat",
			Name:      "stream_duration_seconds",
			Help:      "Wall time from stream open to finalization.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"provider"}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "polychat",
			Name:      "active_streams",
			Help:      "Streams currently relaying.",
		}),
		clientDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "client_disconnects_total",
			Help:      "Streams whose client went away before completion.",
		}),
		checkpointFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "polychat",
			Name:      "checkpoint_failures_total",
			Help:      "Failed periodic checkpoint writes.",
		}),
	}
}

func (m *Metrics) StreamStarted(kind, provider string) {
	if m == nil {
		return
	}
	m.streamsStarted.WithLabelValues(kind, provider).Inc()
	m.activeStreams.Inc()
}

func (m *Metrics) StreamFinished(kind, outcome, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.streamsFinished.WithLabelValues(kind, outcome).Inc()
	m.streamDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.activeStreams.Dec()
}

func (m *Metrics) ChunkRelayed() {
	if m == nil {
		return
	}
	m.chunksRelayed.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientDisconnects.Inc()
}

func (m *Metrics) CheckpointFailed() {
	if m == nil {
		return
	}
	m.checkpointFailures.Inc()
}
