// Package metrics 提供 eidos-rpc 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_rpc"

// 选路指标
var (
	// SelectionsTotal 选路总数
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "选路总数",
		},
		[]string{"tier"}, // cache, active, error, disabled, next, none
	)

	// CacheHitsTotal 缓存命中总数
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "选路缓存命中总数",
		},
	)

	// CacheMissesTotal 缓存未命中总数
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "选路缓存未命中总数",
		},
	)
)

// 上报指标
var (
	// MarksTotal 调用结果上报总数
	MarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marks_total",
			Help:      "调用结果上报总数",
		},
		[]string{"result"}, // success, failure
	)

	// StateTransitionsTotal 节点状态迁移总数
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "节点状态迁移总数",
		},
		[]string{"to"}, // ACTIVE, ERROR
	)
)

// 健康检查指标
var (
	// ProbesTotal 探活总数
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "健康检查探活总数",
		},
		[]string{"result"}, // success, failure
	)

	// ProbeDuration 探活耗时
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "健康检查探活耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// EndpointsGauge 各状态节点数量
	EndpointsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_total",
			Help:      "各状态节点数量",
		},
		[]string{"state"},
	)
)

// RecordSelection 记录选路
func RecordSelection(tier string) {
	SelectionsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheHit 记录缓存命中
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss 记录缓存未命中
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordMark 记录调用结果上报
func RecordMark(result string) {
	MarksTotal.WithLabelValues(result).Inc()
}

// RecordStateTransition 记录状态迁移
func RecordStateTransition(to string) {
	StateTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordProbe 记录探活
func RecordProbe(result string, durationSeconds float64) {
	ProbesTotal.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		ProbeDuration.Observe(durationSeconds)
	}
}

// UpdateEndpointStates 更新各状态节点数量
func UpdateEndpointStates(counts map[string]int) {
	for state, count := range counts {
		EndpointsGauge.WithLabelValues(state).Set(float64(count))
	}
}
