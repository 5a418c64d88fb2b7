package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// BlockHeightFetcher fetches the latest block height for a chain.
type BlockHeightFetcher interface {
	GetLatestHeight(ctx context.Context, chain domain.ChainName) (uint64, error)
}

// ClientHeights reads heads from the configured EVM clients.
type ClientHeights chain.Clients

func (c ClientHeights) GetLatestHeight(ctx context.Context, name domain.ChainName) (uint64, error) {
	client, err := chain.Clients(c).EVM(name)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Target is a scanner whose checkpoints are watched.
type Target struct {
	Name       string
	Chain      domain.ChainName
	BlockKey   string
	UpdatedKey string

	// Interval is how often the scanner is expected to finish a round
	Interval time.Duration
}

const (
	degradedRounds = 3
	criticalRounds = 10
	maxBlockLag    = 100

	// Last-updated timestamps are stored with second precision
	minInterval = time.Minute
)

// Monitor aggregates health status from the scanners' checkpoints.
type Monitor struct {
	targets       []Target
	store         storage.Store
	heightFetcher BlockHeightFetcher
	now           func() time.Time
	lastCheck     time.Time
	lastReport    map[string]ScannerHealth
	mu            sync.Mutex
}

// NewMonitor creates a new health monitor. heightFetcher may be nil, in
// which case block lag is not reported.
func NewMonitor(targets []Target, store storage.Store, heightFetcher BlockHeightFetcher) *Monitor {
	return &Monitor{
		targets:       targets,
		store:         store,
		heightFetcher: heightFetcher,
		now:           time.Now,
		lastReport:    make(map[string]ScannerHealth),
	}
}

// CheckHealth performs a health check for all targets.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ScannerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// At most one check per 10s so probes don't hit the RPC providers
	if now.Sub(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ScannerHealth, len(m.targets))
	for _, t := range m.targets {
		report[t.Name+":"+string(t.Chain)] = m.check(ctx, t, now)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func (m *Monitor) check(ctx context.Context, t Target, now time.Time) ScannerHealth {
	health := ScannerHealth{
		Name:       t.Name,
		Chain:      string(t.Chain),
		Status:     StatusHealthy,
		Checkpoint: -1,
	}

	// 1. Read checkpoints
	var updated time.Time
	err := storage.InTx(ctx, m.store, func(uow storage.UnitOfWork) error {
		cps := checkpoint.New(uow.KeyValues())
		var err error
		if t.BlockKey != "" {
			if health.Checkpoint, err = cps.Block(ctx, t.BlockKey, -1); err != nil {
				return err
			}
		}
		if t.UpdatedKey != "" {
			updated, err = cps.LastUpdated(ctx, t.UpdatedKey)
		}
		return err
	})
	if err != nil {
		health.Status = StatusCritical
		health.Error = err.Error()
		return health
	}

	// 2. Freshness
	if updated.IsZero() {
		health.Status = StatusDegraded
	} else {
		health.LastUpdated = &updated
		age := now.Sub(updated)
		interval := max(t.Interval, minInterval)
		switch {
		case age > criticalRounds*interval:
			health.Status = StatusCritical
		case age > degradedRounds*interval:
			health.Status = StatusDegraded
		}
	}

	// 3. Block lag
	if m.heightFetcher == nil || health.Checkpoint < 0 {
		return health
	}
	head, err := m.heightFetcher.GetLatestHeight(ctx, t.Chain)
	if err != nil {
		health.Error = err.Error()
		if health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
		return health
	}
	health.Head = head
	if int64(head) > health.Checkpoint {
		health.BlockLag = head - uint64(health.Checkpoint)
	}
	if health.BlockLag > maxBlockLag && health.Status == StatusHealthy {
		health.Status = StatusDegraded
	}
	return health
}
