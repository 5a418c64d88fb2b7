package rpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/provider"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

// Registry holds one Client per configured chain.
type Registry struct {
	mu        sync.RWMutex
	router    *routing.DefaultRouter
	clients   map[string]*Client
	providers map[string][]provider.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		router:    routing.NewRouter(),
		clients:   make(map[string]*Client),
		providers: make(map[string][]provider.Provider),
	}
}

// Register adds providers for chain and returns the chain's client.
func (r *Registry) Register(chain string, providers ...Provider) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range providers {
		r.router.AddProvider(chain, p)
		r.providers[chain] = append(r.providers[chain], p)
	}
	c, ok := r.clients[chain]
	if !ok {
		c = NewClient(chain, r.router)
		r.clients[chain] = c
	}
	return c
}

// Client returns the client of a registered chain.
func (r *Registry) Client(chain string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[chain]
	if !ok {
		return nil, fmt.Errorf("chain %q is not configured", chain)
	}
	return c, nil
}

// Chains returns the registered chain names, sorted.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chains := make([]string, 0, len(r.clients))
	for chain := range r.clients {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}

// ProviderStats returns monitoring stats of every HTTP provider, keyed by
// chain and provider name.
func (r *Registry) ProviderStats() map[string]map[string]MonitorStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]MonitorStats, len(r.providers))
	for chain, providers := range r.providers {
		stats := make(map[string]MonitorStats)
		for _, p := range providers {
			if httpProv, ok := p.(*provider.HTTPProvider); ok {
				stats[p.GetName()] = httpProv.Monitor.GetStats()
			}
		}
		out[chain] = stats
	}
	return out
}

// Close releases all providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, providers := range r.providers {
		for _, p := range providers {
			_ = p.Close()
		}
	}
	return nil
}
