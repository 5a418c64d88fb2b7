// Package routing handles provider selection, failover and retry logic.
//
// This package contains:
//   - Router: interface for provider selection and health tracking
//   - DefaultRouter: implementation with a consecutive-failure circuit breaker
//   - Retry: transport retries, failover across providers and RetryPolicy
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/provider"
)

// Router handles provider selection and health tracking.
type Router interface {
	// AddProvider registers a provider for a specific chain
	AddProvider(chain string, p provider.Provider)

	// GetAllProviders returns providers for a chain, preferred first
	GetAllProviders(chain string) []provider.Provider

	// RecordSuccess tracks successful calls
	RecordSuccess(providerName string, latency time.Duration)

	// RecordFailure tracks failed calls
	RecordFailure(providerName string, err error)
}

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	lastSuccessAt    time.Time
	lastFailureAt    time.Time
	consecutiveFails int
	circuitOpen      bool
}

// DefaultRouter implements provider selection with a circuit breaker.
type DefaultRouter struct {
	mu             sync.RWMutex
	chainProviders map[string][]provider.Provider
	providerHealth map[string]*providerMetrics
	circuitReset   time.Duration
}

// NewRouter creates a new router.
func NewRouter() *DefaultRouter {
	return &DefaultRouter{
		chainProviders: make(map[string][]provider.Provider),
		providerHealth: make(map[string]*providerMetrics),
		circuitReset:   time.Minute,
	}
}

// AddProvider registers a provider for a chain.
func (r *DefaultRouter) AddProvider(chain string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chainProviders[chain] = append(r.chainProviders[chain], p)
	r.providerHealth[p.GetName()] = &providerMetrics{
		lastSuccessAt: time.Now(),
	}
}

// GetAllProviders returns the providers of a chain. Providers that are
// available and whose circuit is closed come first, in registration order;
// the rest follow so that a call is still attempted when all are degraded.
func (r *DefaultRouter) GetAllProviders(chain string) []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.chainProviders[chain]
	preferred := make([]provider.Provider, 0, len(providers))
	var fallback []provider.Provider
	for _, p := range providers {
		if r.usableLocked(p) {
			preferred = append(preferred, p)
		} else {
			fallback = append(fallback, p)
		}
	}
	return append(preferred, fallback...)
}

func (r *DefaultRouter) usableLocked(p provider.Provider) bool {
	if !p.IsAvailable() {
		return false
	}
	m, ok := r.providerHealth[p.GetName()]
	if !ok || !m.circuitOpen {
		return true
	}
	return time.Since(m.lastFailureAt) > r.circuitReset
}

// RecordSuccess records a successful call.
func (r *DefaultRouter) RecordSuccess(providerName string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.providerHealth[providerName]
	if !ok {
		return
	}

	metrics.successCount++
	metrics.totalLatency += latency
	metrics.lastSuccessAt = time.Now()
	metrics.consecutiveFails = 0
	metrics.circuitOpen = false
}

// RecordFailure records a failed call.
func (r *DefaultRouter) RecordFailure(providerName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.providerHealth[providerName]
	if !ok {
		return
	}

	metrics.failureCount++
	metrics.lastFailureAt = time.Now()
	metrics.consecutiveFails++

	if metrics.consecutiveFails >= 5 {
		metrics.circuitOpen = true
	}
}

// CallWithRetryAndFailover tries each provider of the chain in turn.
func CallWithRetryAndFailover(
	ctx context.Context,
	router Router,
	chain string,
	method string,
	params []any,
	config RetryConfig,
) (json.RawMessage, error) {
	providers := router.GetAllProviders(chain)
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers for chain %s", chain)
	}

	var lastErr error
	for _, p := range providers {
		start := time.Now()
		result, err := CallWithRetry(ctx, p, method, params, config)
		if err == nil {
			router.RecordSuccess(p.GetName(), time.Since(start))
			return result, nil
		}

		lastErr = err
		router.RecordFailure(p.GetName(), err)

		if ClassifyError(err) == ActionFatal {
			return nil, fmt.Errorf("fatal error from provider %s: %w", p.GetName(), err)
		}
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}
