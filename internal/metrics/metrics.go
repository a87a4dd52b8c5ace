// Package metrics 汇总网关的 Prometheus 指标，经 /-/metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal 按资源类与结果统计经过策略路由的请求。
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offgate_requests_total",
			Help: "Total requests routed by resource class and outcome",
		},
		[]string{"class", "outcome"},
	)

	// CacheOperationsTotal 统计缓存命中/未命中/写入。
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offgate_cache_operations_total",
			Help: "Cache operations by type and result",
		},
		[]string{"operation", "result"},
	)

	// ReplayTotal 统计写请求回放的结果。
	ReplayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offgate_replay_total",
			Help: "Mutation replay attempts by result",
		},
		[]string{"result"},
	)

	// QueueDepth 反映回放队列中待处理的写请求数。
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offgate_replay_queue_depth",
			Help: "Pending mutations awaiting replay",
		},
	)

	// QuotaRatio 记录最近一次配额采样的 used/quota 比值。
	QuotaRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offgate_quota_ratio",
			Help: "Latest sampled storage usage ratio",
		},
	)
)

// 请求结果取值，供 handler 统一引用避免拼写漂移。
const (
	OutcomeFresh    = "fresh"
	OutcomeCached   = "cached"
	OutcomeFallback = "fallback"
	OutcomeQueued   = "queued"
	OutcomeError    = "error"
)
