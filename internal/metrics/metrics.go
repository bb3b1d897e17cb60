// Package metrics defines the Prometheus collectors shared across the
// engine. Label cardinality is bounded: pairs and statuses only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Market data cache. Hit rate is a first-class signal.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_market_cache_hits_total",
		Help: "Candle cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_market_cache_misses_total",
		Help: "Candle cache misses",
	})
	CacheCoalescedWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_market_cache_coalesced_waits_total",
		Help: "Callers that waited on another caller's in-flight fetch",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_market_cache_evictions_total",
		Help: "LRU evictions from the candle cache",
	})
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_market_cache_entries",
		Help: "Current candle cache entries",
	})

	// Event bus
	BusDroppedBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_bus_dropped_backlog_total",
		Help: "Messages dropped from slow subscriber backlogs",
	})

	// Trading lifecycle
	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_trades_placed_total",
		Help: "Trades placed by side",
	}, []string{"side"})
	TradesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_trades_resolved_total",
		Help: "Trade records reaching a terminal status",
	}, []string{"status"})
	MonitorWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_monitor_watchers",
		Help: "Active order monitor watchers",
	})
	SweeperResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_sweeper_resolved_total",
		Help: "Pending trades resolved by the reconciliation sweeper",
	})
	SweeperSyncIssues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_sweeper_sync_issues_total",
		Help: "Sync issues reported by the reconciliation sweeper",
	})
	StaleOrderAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_stale_order_alerts_total",
		Help: "Stale pending order alerts emitted",
	})

	// Evaluator
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinpilot_evaluation_duration_seconds",
		Help:    "Duration of one bot evaluation pass",
		Buckets: prometheus.DefBuckets,
	})
	EvaluationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_evaluations_dropped_total",
		Help: "Evaluation ticks dropped because one was already in flight",
	})
)
