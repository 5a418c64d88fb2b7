package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/bridgemonitor/internal/core/config"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/bitcoin"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	redisclient "github.com/vietddude/bridgemonitor/internal/infra/redis"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/memory"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/postgres"
)

// OpenStore connects to PostgreSQL and applies migrations when enabled. An
// empty database URL selects the in-memory store.
func OpenStore(ctx context.Context, cfg postgres.Config) (storage.Store, *postgres.DB, error) {
	if cfg.URL == "" {
		slog.Warn("No database URL configured, using memory storage")
		return memory.NewStore(), nil, nil
	}

	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	if cfg.Migrate {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	slog.Info("Using PostgreSQL storage", "driver", cfg.Driver)
	return db, db, nil
}

// OpenBlockCache connects the Redis block time cache. Without a Redis URL,
// or when Redis is unreachable, the clients fall back to an in-process
// cache.
func OpenBlockCache(cfg redisclient.Config) (evm.BlockCache, *redisclient.Client) {
	if cfg.URL == "" {
		return nil, nil
	}
	client, err := redisclient.NewClient(cfg)
	if err != nil {
		slog.Warn("Failed to connect to Redis, using in-process block cache", "error", err)
		return nil, nil
	}
	return client, client
}

// NewClients registers the providers of every configured chain and builds
// one EVM client per chain.
func NewClients(chains []config.ChainConfig, cache evm.BlockCache) (chain.Clients, *rpc.Registry) {
	registry := rpc.NewRegistry()
	clients := make(chain.Clients, len(chains))
	for _, ch := range chains {
		providers := make([]rpc.Provider, 0, len(ch.Providers))
		for _, p := range ch.Providers {
			providers = append(providers, rpc.NewHTTPProvider(p.Name, p.URL, ch.Timeout))
		}
		caller := registry.Register(string(ch.Name), providers...)
		clients[ch.Name] = evm.NewClient(ch.Name, caller, cache)
		slog.Info("Chain configured", "chain", ch.Name, "providers", len(providers))
	}
	return clients, registry
}

// NewExplorer creates the Blockstream client for a bidirectional FastBTC
// deployment.
func NewExplorer(cfg config.BidiConfig) (chain.Explorer, error) {
	url := cfg.BlockstreamURL
	if url == "" {
		var err error
		if url, err = bitcoin.BaseURL(cfg.BitcoinNetwork); err != nil {
			return nil, err
		}
	}
	return bitcoin.NewClient(url, 0), nil
}

// BidiConfig returns the bidirectional FastBTC config of chainName.
func BidiConfig(cfg *config.AppConfig, chainName domain.ChainName) (config.BidiConfig, error) {
	for _, b := range cfg.BidiFastBTC {
		if b.Chain == chainName {
			return b, nil
		}
	}
	return config.BidiConfig{}, fmt.Errorf("no bidi_fastbtc config for chain %s", chainName)
}
