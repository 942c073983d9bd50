// Package metrics 汇总 offline-hub 暴露给 Prometheus 的指标，统一注册到默认 Registry，
// 由 /-/metrics 路由通过 promhttp 输出。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StrategyOutcomes 按站点、策略与结果来源统计请求，例如 static/precache、api/network。
	StrategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_strategy_outcomes_total",
			Help: "Total number of intercepted requests by strategy and response source",
		},
		[]string{"site", "strategy", "outcome"},
	)

	// CacheWrites 统计后台写入 runtime / precache 的结果（ok/error）。
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_cache_writes_total",
			Help: "Total number of cache writes by result",
		},
		[]string{"site", "result"},
	)

	// PrecacheEntries 记录最近一次 install 成功写入预缓存的条目数。
	PrecacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_hub_precache_entries",
			Help: "Number of manifest entries stored by the last install",
		},
		[]string{"site"},
	)

	// PrecacheFailures 统计 install 期间被跳过的 manifest 条目。
	PrecacheFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_precache_failures_total",
			Help: "Total number of manifest entries skipped during install",
		},
		[]string{"site"},
	)

	// LifecycleState 以 0-5 的序号表示站点 worker 当前所处的生命周期阶段。
	LifecycleState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_hub_lifecycle_state",
			Help: "Current lifecycle state ordinal (0=parsed .. 4=activated, 5=redundant)",
		},
		[]string{"site"},
	)

	// PartitionsPurged 统计激活或 CLEAR_CACHE 时删除的分区数量。
	PartitionsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_partitions_purged_total",
			Help: "Total number of cache partitions deleted",
		},
		[]string{"site", "reason"},
	)
)
