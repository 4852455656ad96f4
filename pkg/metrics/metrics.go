// Package metrics 定义了服务暴露的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutor_chat_open_sessions",
		Help: "Number of currently open streaming sessions.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_chat_frames_received_total",
		Help: "Inbound frames by kind (turn, save_chat, update_title, invalid).",
	}, []string{"kind"})
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_chat_turns_total",
		Help: "Completed turns by outcome.",
	}, []string{"outcome"})
	FragmentsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_chat_fragments_relayed_total",
		Help: "Provider fragments forwarded to peers.",
	})
	TitleRecommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_chat_title_recommendations_total",
		Help: "Background title recommendations by outcome.",
	}, []string{"outcome"})
	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutor_chat_store_operation_seconds",
		Help:    "Conversation store operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveStore 记录一次存储操作的耗时，用法：defer metrics.ObserveStore("fetch", time.Now())。
func ObserveStore(operation string, start time.Time) {
	storeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
