// Package metrics holds the shared Prometheus registrations every engine
// component reports into, following the teacher's package-level
// promauto.New* var-block convention (internal/syncer.go) instead of a
// per-component registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omnisync_chain_sync_height",
		Help: "Highest block number processed per chain",
	}, []string{"chain"})

	ChainHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omnisync_chain_head_height",
		Help: "Latest block number observed on chain",
	}, []string{"chain"})

	BlocksBehind = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omnisync_chain_blocks_behind",
		Help: "Difference between chain head and sync height",
	}, []string{"chain"})

	ReorgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_reorgs_total",
		Help: "Total reorgs observed per chain",
	}, []string{"chain"})

	ReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omnisync_reorg_depth_blocks",
		Help:    "Number of blocks discarded per reorg",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	}, []string{"chain"})

	RpcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_rpc_errors_total",
		Help: "RPC errors by classified kind",
	}, []string{"chain", "kind"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omnisync_dispatch_callback_seconds",
		Help:    "Wall time spent inside a user indexing callback",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain", "event"})

	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_dispatched_events_total",
		Help: "Total events successfully dispatched to user callbacks",
	}, []string{"chain", "event"})

	DispatchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_dispatch_retries_total",
		Help: "Total retryable-error retries at the dispatch boundary",
	}, []string{"chain", "kind"})

	IndexCacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omnisync_index_cache_bytes",
		Help: "Estimated byte size of the buffered write-through index cache",
	}, []string{"chain"})

	IndexFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_index_flushes_total",
		Help: "Total write-through cache flushes, by trigger reason",
	}, []string{"chain", "reason"})

	CheckpointCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnisync_checkpoint_commits_total",
		Help: "Total checkpoint commits per chain",
	}, []string{"chain"})
)
