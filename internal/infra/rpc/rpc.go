// Package rpc provides a resilient JSON-RPC client for the monitored chains.
//
// This package offers:
//   - Multiple providers per chain with failover
//   - Throttle detection and a per-provider circuit breaker
//   - Retry policies for long-running range fetches and contract lookups
//   - An explicit Registry of per-chain clients built once at start-up
//
// # Quick Start
//
//	registry := rpc.NewRegistry()
//	registry.Register("rsk_mainnet",
//	    rpc.NewHTTPProvider("public", "https://public-node.rsk.co", 30*time.Second),
//	)
//
//	client, _ := registry.Client("rsk_mainnet")
//
//	var head hexutil.Uint64
//	err := client.Call(ctx, &head, "eth_blockNumber")
//
// # Package Structure
//
//   - provider/ - Provider implementations (HTTPProvider, monitoring)
//   - routing/  - Provider selection, failover and retry logic
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/provider"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

// Provider is the core interface for RPC endpoints.
type Provider = provider.Provider

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider = provider.HTTPProvider

// HealthStatus represents the health state of a provider.
type HealthStatus = provider.HealthStatus

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats = provider.MonitorStats

// RPCError is an error object returned by a JSON-RPC server.
type RPCError = provider.RPCError

// RetryPolicy describes how failed operations are retried.
type RetryPolicy = routing.RetryPolicy

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return provider.NewHTTPProvider(name, endpoint, timeout)
}

// FetchPolicy is the retry policy for event range fetches.
var FetchPolicy = routing.FetchPolicy

// LookupPolicy is the retry policy for per-transfer lookups.
var LookupPolicy = routing.LookupPolicy
