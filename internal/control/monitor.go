package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/config"
	"github.com/vietddude/bridgemonitor/internal/core/worker"
	"github.com/vietddude/bridgemonitor/internal/indexing/alerts"
	"github.com/vietddude/bridgemonitor/internal/indexing/bidi"
	"github.com/vietddude/bridgemonitor/internal/indexing/emitter"
	"github.com/vietddude/bridgemonitor/internal/indexing/fastbtcin"
	"github.com/vietddude/bridgemonitor/internal/indexing/health"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/indexing/reconciler"
	"github.com/vietddude/bridgemonitor/internal/indexing/replenisher"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	redisclient "github.com/vietddude/bridgemonitor/internal/infra/redis"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/postgres"
)

// Deps are the external dependencies of the monitor.
type Deps struct {
	Store    storage.Store
	Clients  chain.Clients
	Messager emitter.Messager

	// Explorer overrides the Blockstream client of every replenisher
	Explorer chain.Explorer
}

// headCacheTTL bounds how stale the bookkeeper's view of the head can be.
const headCacheTTL = 5 * time.Second

// job is a unit of periodic work run by its own goroutine.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Monitor is the main application struct that runs every scanner on its own
// interval.
type Monitor struct {
	cfg          *config.AppConfig
	store        storage.Store
	reconcilers  []*reconciler.Reconciler
	bidi         []*bidi.Updater
	fastBTCIn    []*fastbtcin.Updater
	replenishers []*replenisher.Scanner
	alerts       *alerts.Handler
	families     []alerts.Family
	bookkeeper   *worker.Bookkeeper
	healthMon    *health.Monitor
	healthServer *health.Server

	db          *postgres.DB
	redisClient *redisclient.Client
	registry    *rpc.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewMonitor opens storage, Redis and the RPC providers described by cfg and
// builds the monitor on top of them.
func NewMonitor(ctx context.Context, cfg *config.AppConfig) (*Monitor, error) {
	// 1. Initialize Storage
	store, db, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. Initialize RPC clients with the shared block cache
	cache, redisClient := OpenBlockCache(cfg.Redis)
	clients, registry := NewClients(cfg.Chains, cache)

	// 3. Notifications
	messager := emitter.New(cfg.Discord)

	m, err := Build(cfg, Deps{Store: store, Clients: clients, Messager: messager})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		_ = registry.Close()
		return nil, err
	}
	m.db = db
	m.redisClient = redisClient
	m.registry = registry
	m.healthServer.WithProviderStats(registry.ProviderStats)
	return m, nil
}

// Build wires the scanners of cfg to deps.
func Build(cfg *config.AppConfig, deps Deps) (*Monitor, error) {
	if deps.Messager == nil {
		deps.Messager = emitter.Null{}
	}
	m := &Monitor{
		cfg:   cfg,
		store: deps.Store,
		log:   slog.Default().With("component", "monitor"),
	}
	var targets []health.Target

	// 1. Token bridges
	for _, b := range cfg.Bridges {
		r := reconciler.New(reconcilerConfig(b), deps.Store, deps.Clients)
		m.reconcilers = append(m.reconcilers, r)
		for _, side := range []config.BridgeSide{b.RSK, b.Other} {
			targets = append(targets, health.Target{
				Name:       b.Name,
				Chain:      side.Chain,
				BlockKey:   checkpoint.BridgeBlockKey(b.Name, side.Chain),
				UpdatedKey: checkpoint.BridgeUpdatedKey(b.Name),
				Interval:   cfg.Rounds.Interval,
			})
		}
	}
	if len(cfg.Bridges) > 0 {
		m.families = append(m.families, alerts.TokenBridge)
	}

	// 2. Bidirectional FastBTC and its replenisher
	for _, b := range cfg.BidiFastBTC {
		client, err := deps.Clients.EVM(b.Chain)
		if err != nil {
			return nil, fmt.Errorf("bidi_fastbtc: %w", err)
		}
		m.bidi = append(m.bidi, bidi.New(bidiConfig(b), client, deps.Store))
		targets = append(targets, health.Target{
			Name:       "bidi_fastbtc",
			Chain:      b.Chain,
			BlockKey:   checkpoint.BidiBlockKey(b.Chain),
			UpdatedKey: checkpoint.BidiUpdatedKey(b.Chain),
			Interval:   cfg.Rounds.Interval,
		})

		explorer := deps.Explorer
		if explorer == nil {
			if explorer, err = NewExplorer(b); err != nil {
				return nil, fmt.Errorf("bidi_fastbtc %s: %w", b.Chain, err)
			}
		}
		scanner, err := replenisher.NewScanner(b.Chain, b.BTCMultisigAddress, explorer, deps.Store)
		if err != nil {
			return nil, fmt.Errorf("replenisher: %w", err)
		}
		m.replenishers = append(m.replenishers, scanner)
	}
	if len(cfg.BidiFastBTC) > 0 {
		m.families = append(m.families, alerts.BidiFastBTC)
	}

	// 3. FastBTC-in
	for _, f := range cfg.FastBTCIn {
		client, err := deps.Clients.EVM(f.Chain)
		if err != nil {
			return nil, fmt.Errorf("fastbtc_in: %w", err)
		}
		m.fastBTCIn = append(m.fastBTCIn, fastbtcin.New(fastBTCInConfig(f), client, deps.Store))
		targets = append(targets, health.Target{
			Name:       "fastbtc_in",
			Chain:      f.Chain,
			BlockKey:   checkpoint.FastBTCInBlockKey(f.Chain),
			UpdatedKey: checkpoint.FastBTCInUpdatedKey(f.Chain),
			Interval:   cfg.Rounds.Interval,
		})
	}
	if len(cfg.FastBTCIn) > 0 {
		m.families = append(m.families, alerts.FastBTCIn)
	}

	// 4. Bookkeeper
	if cfg.Bookkeeper.Enabled {
		client, err := deps.Clients.EVM(cfg.Bookkeeper.Chain)
		if err != nil {
			return nil, fmt.Errorf("bookkeeper: %w", err)
		}
		var chainID int64
		if ch, ok := cfg.Chain(cfg.Bookkeeper.Chain); ok {
			chainID = ch.ChainID
		}
		m.bookkeeper = worker.NewBookkeeper(
			BookkeeperConfig(cfg.Bookkeeper, chainID),
			chain.NewHeadCache(client, headCacheTTL),
			deps.Store,
			deps.Messager,
		)
	}

	// 5. Alerts and health
	m.alerts = alerts.NewHandler(deps.Store, deps.Messager, cfg.Rounds.AlertInterval)
	m.healthMon = health.NewMonitor(targets, deps.Store, health.ClientHeights(deps.Clients))
	m.healthServer = health.NewServer(m.healthMon, cfg.Server.Port)
	return m, nil
}

func (m *Monitor) jobs() []job {
	var jobs []job
	if len(m.reconcilers) > 0 {
		jobs = append(jobs, job{"token_bridge", m.cfg.Rounds.Interval, m.runReconcilers})
	}
	if len(m.bidi) > 0 {
		jobs = append(jobs, job{"bidi_fastbtc", m.cfg.Rounds.Interval, m.runBidi})
	}
	if len(m.fastBTCIn) > 0 {
		jobs = append(jobs, job{"fastbtc_in", m.cfg.Rounds.Interval, m.runFastBTCIn})
	}
	if len(m.replenishers) > 0 {
		jobs = append(jobs, job{"replenisher", m.cfg.Rounds.ReplenisherInterval, m.runReplenishers})
	}
	if len(m.families) > 0 {
		jobs = append(jobs, job{"alerts", m.cfg.Rounds.Interval, func(ctx context.Context) error {
			return m.alerts.HandleAll(ctx, m.families...)
		}})
	}
	return jobs
}

// Start starts the health server and one goroutine per job family. It
// returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	// 1. Register configured bookkeeper addresses
	if m.bookkeeper != nil {
		if err := m.bookkeeper.EnsureAddresses(ctx, trackedAddresses(m.cfg.Bookkeeper)); err != nil {
			m.cancel()
			return fmt.Errorf("register bookkeeper addresses: %w", err)
		}
	}

	// 2. Start Health Server
	m.spawn(func() {
		if err := m.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Health server failed", "error", err)
		}
	})

	// 3. Start DB Metrics Collector
	if m.db != nil {
		m.db.StartMetricsCollector(ctx)
	}

	// 4. Start round loops
	for _, j := range m.jobs() {
		m.log.Info("Starting job", "job", j.name, "interval", j.interval)
		m.spawn(func() { m.loop(ctx, j) })
	}

	// 5. Start bookkeeper
	if m.bookkeeper != nil {
		m.spawn(func() { m.bookkeeper.Start(ctx) })
		m.spawn(func() { m.bookkeeper.StartSanityChecks(ctx) })
	}
	return nil
}

func (m *Monitor) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Stop cancels running rounds, waits for them to return and releases
// connections.
func (m *Monitor) Stop(ctx context.Context) error {
	m.log.Info("Stopping monitor...")
	if m.cancel != nil {
		m.cancel()
	}
	err := m.healthServer.Stop(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for jobs: %w", ctx.Err()))
	}

	if m.redisClient != nil {
		if cerr := m.redisClient.Close(); cerr != nil {
			m.log.Warn("Failed to close Redis", "error", cerr)
		}
	}
	if m.registry != nil {
		_ = m.registry.Close()
	}
	if m.db != nil {
		err = errors.Join(err, m.db.Close())
	}
	return err
}

// Health returns the current health report.
func (m *Monitor) Health(ctx context.Context) map[string]health.ScannerHealth {
	return m.healthMon.CheckHealth(ctx)
}

func (m *Monitor) loop(ctx context.Context, j job) {
	log := m.log.With("job", j.name)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		m.round(ctx, log, j)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) round(ctx context.Context, log *slog.Logger, j job) {
	start := time.Now()
	err := j.run(ctx)
	metrics.RoundDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RoundsTotal.WithLabelValues(j.name, "ok").Inc()
	case ctx.Err() != nil:
		log.Debug("Round interrupted", "error", err)
	default:
		metrics.RoundsTotal.WithLabelValues(j.name, "error").Inc()
		log.Error("Round failed", "error", err)
	}
}

// Each runner tries every configured scanner and reports all failures.

func (m *Monitor) runReconcilers(ctx context.Context) error {
	var errs []error
	for _, r := range m.reconcilers {
		if _, err := r.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) runBidi(ctx context.Context) error {
	var errs []error
	for _, u := range m.bidi {
		if _, err := u.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Chain(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) runFastBTCIn(ctx context.Context) error {
	var errs []error
	for _, u := range m.fastBTCIn {
		if _, err := u.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Chain(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) runReplenishers(ctx context.Context) error {
	var errs []error
	for _, s := range m.replenishers {
		if _, err := s.Scan(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
