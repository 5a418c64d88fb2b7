package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per chain and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgemonitor_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "method"},
	)

	// RPCErrorsTotal tracks failed RPC calls by classification
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgemonitor_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "method", "action"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridgemonitor_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// ChainLatestBlock tracks the latest block height seen per chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgemonitor_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// CheckpointBlock tracks the committed checkpoint of every scanner
	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgemonitor_checkpoint_block",
			Help: "Last fully processed block per scanner and chain",
		},
		[]string{"scanner", "chain"},
	)

	// RoundsTotal counts scan rounds by job and outcome
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgemonitor_rounds_total",
			Help: "Total number of scan rounds",
		},
		[]string{"job", "outcome"},
	)

	// RoundDuration tracks how long scan rounds take
	RoundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridgemonitor_round_duration_seconds",
			Help:    "Scan round duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	// TransfersUpserted counts created and updated transfer records
	TransfersUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgemonitor_transfers_upserted_total",
			Help: "Transfer records created or updated",
		},
		[]string{"family", "op"},
	)

	// LateTransfers tracks how many transfers are currently late per family
	LateTransfers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgemonitor_late_transfers",
			Help: "Number of transfers past their lateness cutoff",
		},
		[]string{"family"},
	)

	// BookkeeperCursor tracks bookkeeper scan cursors per address
	BookkeeperCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridgemonitor_bookkeeper_cursor",
			Help: "Bookkeeper scan cursor per address and direction",
		},
		[]string{"address", "direction"},
	)

	// TracesStored counts persisted trace records
	TracesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridgemonitor_traces_stored_total",
			Help: "Total number of trace records stored",
		},
	)

	// SanityMismatches counts bookkeeper balance sanity check failures
	SanityMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridgemonitor_sanity_mismatches_total",
			Help: "Bookkeeper balance sanity check mismatches",
		},
		[]string{"address"},
	)

	// DBConnectionPoolUsage tracks the share of open connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgemonitor_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)
)
