// Package reconciler correlates token bridge deposits on one chain with
// their federation executions on the counterpart chain and keeps the stored
// transfer records and scan checkpoints up to date.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/fetcher"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

const (
	DefaultMinConfirmations  = 5
	DefaultLookupConcurrency = 8

	family = "token_bridge"
)

// Side is one end of a token bridge.
type Side struct {
	Chain             domain.ChainName
	BridgeAddress     common.Address
	FederationAddress common.Address
	StartBlock        int64
}

// Config describes a bridge between RSK and another chain.
type Config struct {
	Name              string
	RSK               Side
	Other             Side
	MinConfirmations  uint64
	MaxBlocks         uint64
	BatchSize         uint64
	LookupConcurrency int
	// LegacyIDFallback derives the primary id with getTransactionId when
	// getTransactionIdU reverts.
	LegacyIDFallback bool
}

// ChainSource resolves chain clients by name.
type ChainSource interface {
	EVM(name domain.ChainName) (chain.EVM, error)
}

// Reconciler runs token bridge rounds for one bridge.
type Reconciler struct {
	cfg     Config
	store   storage.Store
	chains  ChainSource
	fetcher *fetcher.Fetcher
	lookup  routing.RetryPolicy
	now     func() time.Time
	log     *slog.Logger
}

// New creates a reconciler. Zero config values fall back to defaults.
func New(cfg Config, store storage.Store, chains ChainSource) *Reconciler {
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = fetcher.BridgeBatchSize
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = DefaultLookupConcurrency
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		chains:  chains,
		fetcher: fetcher.New(cfg.BatchSize),
		lookup:  routing.LookupPolicy,
		now:     time.Now,
		log:     slog.Default().With("component", "reconciler", "bridge", cfg.Name),
	}
}

// WithRetryPolicies replaces the fetch and lookup retry policies.
func (r *Reconciler) WithRetryPolicies(fetch, lookup routing.RetryPolicy) *Reconciler {
	r.fetcher.Policy = fetch
	r.lookup = lookup
	return r
}

// Name returns the bridge name.
func (r *Reconciler) Name() string {
	return r.cfg.Name
}

// Result summarizes a round.
type Result struct {
	Transfers   int
	Created     int
	Updated     int
	Checkpoints map[domain.ChainName]int64
}

// direction is one way across the bridge: deposits on main, executions on
// side.
type direction struct {
	main, side         Side
	mainEVM, sideEVM   chain.EVM
	mainCP, sideCP     int64
	window, sideWindow fetcher.Window
}

// Run performs one round: it scans both directions, upserts the observed
// transfers and advances both checkpoints in a single unit of work.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	roundID := uuid.NewString()
	log := r.log.With("round", roundID)
	now := r.now().UTC()

	rskEVM, err := r.chains.EVM(r.cfg.RSK.Chain)
	if err != nil {
		return nil, err
	}
	otherEVM, err := r.chains.EVM(r.cfg.Other.Chain)
	if err != nil {
		return nil, err
	}

	// 1. Read (or initialize) the checkpoints
	rskKey := checkpoint.BridgeBlockKey(r.cfg.Name, r.cfg.RSK.Chain)
	otherKey := checkpoint.BridgeBlockKey(r.cfg.Name, r.cfg.Other.Chain)
	var rskCP, otherCP int64
	err = storage.InTx(ctx, r.store, func(uow storage.UnitOfWork) error {
		cps := checkpoint.New(uow.KeyValues())
		var err error
		if rskCP, err = cps.Block(ctx, rskKey, r.cfg.RSK.StartBlock-1); err != nil {
			return err
		}
		otherCP, err = cps.Block(ctx, otherKey, r.cfg.Other.StartBlock-1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}

	// 2. Scan both directions concurrently
	toOther := &direction{main: r.cfg.RSK, side: r.cfg.Other, mainEVM: rskEVM, sideEVM: otherEVM, mainCP: rskCP, sideCP: otherCP}
	toRSK := &direction{main: r.cfg.Other, side: r.cfg.RSK, mainEVM: otherEVM, sideEVM: rskEVM, mainCP: otherCP, sideCP: rskCP}

	var fromRSK, fromOther []*domain.Transfer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fromRSK, err = r.scan(gctx, toOther)
		return err
	})
	g.Go(func() error {
		var err error
		fromOther, err = r.scan(gctx, toRSK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 3. Persist transfers and checkpoints together
	res := &Result{Transfers: len(fromRSK) + len(fromOther)}
	res.Checkpoints = map[domain.ChainName]int64{
		r.cfg.RSK.Chain:   NextCheckpoint(rskCP, toOther.window, fromRSK),
		r.cfg.Other.Chain: NextCheckpoint(otherCP, toRSK.window, fromOther),
	}
	err = storage.InTx(ctx, r.store, func(uow storage.UnitOfWork) error {
		for _, t := range append(fromRSK, fromOther...) {
			op, err := Upsert(ctx, uow.Transfers(), t, now)
			if err != nil {
				return err
			}
			switch op {
			case OpCreated:
				res.Created++
				log.Info("Creating transfer", "transaction_id", t.TransactionID, "from", t.FromChain, "to", t.ToChain)
			case OpUpdated:
				res.Updated++
				log.Info("Updating transfer", "transaction_id", t.TransactionID)
			}
		}

		cps := checkpoint.New(uow.KeyValues())
		if err := cps.SetBlock(ctx, rskKey, res.Checkpoints[r.cfg.RSK.Chain]); err != nil {
			return err
		}
		if err := cps.SetBlock(ctx, otherKey, res.Checkpoints[r.cfg.Other.Chain]); err != nil {
			return err
		}
		return cps.Touch(ctx, checkpoint.BridgeUpdatedKey(r.cfg.Name), now)
	})
	if err != nil {
		return nil, fmt.Errorf("persist round: %w", err)
	}

	metrics.TransfersUpserted.WithLabelValues(family, string(OpCreated)).Add(float64(res.Created))
	metrics.TransfersUpserted.WithLabelValues(family, string(OpUpdated)).Add(float64(res.Updated))
	for chainName, cp := range res.Checkpoints {
		metrics.CheckpointBlock.WithLabelValues(r.cfg.Name, string(chainName)).Set(float64(cp))
	}
	log.Info("Bridge round complete",
		"transfers", res.Transfers,
		"created", res.Created,
		"updated", res.Updated,
		string(r.cfg.RSK.Chain), res.Checkpoints[r.cfg.RSK.Chain],
		string(r.cfg.Other.Chain), res.Checkpoints[r.cfg.Other.Chain],
	)
	return res, nil
}

// scan fetches the deposits of one direction and resolves each of them into
// an observed transfer.
func (r *Reconciler) scan(ctx context.Context, d *direction) ([]*domain.Transfer, error) {
	head, err := routing.Retry(ctx, r.lookup, d.mainEVM.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%s head: %w", d.main.Chain, err)
	}
	d.window = fetcher.NewWindow(d.mainCP, head, fetcher.WindowOptions{
		MinConfirmations: r.cfg.MinConfirmations,
		MaxBlocks:        r.cfg.MaxBlocks,
	})
	if d.window.Empty() || d.window.From < 0 {
		r.log.Info("Bridge start block is past end block, skipping",
			"chain", d.main.Chain, "from", d.window.From, "to", d.window.To)
		return nil, nil
	}

	sideHead, err := routing.Retry(ctx, r.lookup, d.sideEVM.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%s head: %w", d.side.Chain, err)
	}
	d.sideWindow = fetcher.NewWindow(d.sideCP, sideHead, fetcher.WindowOptions{MaxBlocks: r.cfg.MaxBlocks})

	r.log.Info("Scanning deposits",
		"main", d.main.Chain, "side", d.side.Chain,
		"from", d.window.From, "to", d.window.To,
		"side_from", d.sideWindow.From, "side_to", d.sideWindow.To,
	)

	var crossLogs, executedLogs []types.Log
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		crossLogs, err = r.fetchLogs(gctx, d.mainEVM, d.window, d.main.BridgeAddress, evm.CrossTopic)
		return err
	})
	if !d.sideWindow.Empty() && d.sideWindow.From >= 0 {
		g.Go(func() error {
			var err error
			executedLogs, err = r.fetchLogs(gctx, d.sideEVM, d.sideWindow, d.side.FederationAddress, evm.ExecutedTopic)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.log.Debug("Fetched events", "main", d.main.Chain, "cross", len(crossLogs), "executed", len(executedLogs))

	executed := make(map[common.Hash]*evm.ExecutedEvent, len(executedLogs))
	for _, l := range executedLogs {
		ev, err := evm.ParseExecuted(l)
		if err != nil {
			return nil, err
		}
		executed[ev.TransactionID] = ev
	}

	ids := identifier{
		federation:     evm.NewFederation(d.sideEVM, d.side.FederationAddress),
		policy:         r.lookup,
		legacyFallback: r.cfg.LegacyIDFallback,
	}
	transfers := make([]*domain.Transfer, len(crossLogs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LookupConcurrency)
	for i, l := range crossLogs {
		g.Go(func() error {
			ev, err := evm.ParseCross(l)
			if err != nil {
				return err
			}
			t, err := r.resolve(gctx, d, ids, ev, executed)
			if err != nil {
				return fmt.Errorf("deposit %s:%d: %w", l.TxHash.Hex(), l.Index, err)
			}
			transfers[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (r *Reconciler) fetchLogs(ctx context.Context, client chain.EVM, w fetcher.Window, address common.Address, topic common.Hash) ([]types.Log, error) {
	return fetcher.Fetch(ctx, r.fetcher, uint64(w.From), uint64(w.To), func(ctx context.Context, rng fetcher.Range) ([]types.Log, error) {
		return client.Logs(ctx, evm.LogQuery{
			Addresses: []common.Address{address},
			Topics:    [][]common.Hash{{topic}},
			FromBlock: rng.Start,
			ToBlock:   rng.End,
		})
	})
}

// resolve gathers everything known about one deposit.
func (r *Reconciler) resolve(
	ctx context.Context,
	d *direction,
	ids identifier,
	ev *evm.CrossEvent,
	executed map[common.Hash]*evm.ExecutedEvent,
) (*domain.Transfer, error) {
	var (
		receipt   *evm.Receipt
		blockTime time.Time
		identity  Identity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		receipt, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (*evm.Receipt, error) {
			return d.mainEVM.TransactionReceipt(ctx, ev.Log.TxHash)
		})
		return err
	})
	g.Go(func() error {
		var err error
		blockTime, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (time.Time, error) {
			return d.mainEVM.BlockTime(ctx, ev.Log.BlockHash)
		})
		return err
	})
	g.Go(func() error {
		var err error
		identity, err = ids.identify(gctx, ev)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	exec := executed[identity.ID]
	var (
		votes       int
		processed   bool
		execReceipt *evm.Receipt
		execTime    time.Time
	)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		votes, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (int, error) {
			return ids.federation.TransactionCount(ctx, identity.ID)
		})
		return err
	})
	g.Go(func() error {
		var err error
		processed, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (bool, error) {
			return ids.federation.WasProcessed(ctx, identity.ID)
		})
		return err
	})
	if exec != nil {
		g.Go(func() error {
			var err error
			execReceipt, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (*evm.Receipt, error) {
				return d.sideEVM.TransactionReceipt(ctx, exec.Log.TxHash)
			})
			return err
		})
		g.Go(func() error {
			var err error
			execTime, err = routing.Retry(gctx, r.lookup, func(ctx context.Context) (time.Time, error) {
				return d.sideEVM.BlockTime(ctx, exec.Log.BlockHash)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := &domain.Transfer{
		FromChain:        d.main.Chain,
		ToChain:          d.side.Chain,
		TransactionID:    identity.ID.Hex(),
		TransactionIDOld: identity.OldID.Hex(),
		ReceiverAddress:  ev.To.Hex(),
		DepositorAddress: receipt.From.Hex(),
		TokenAddress:     ev.TokenAddress.Hex(),
		TokenSymbol:      ev.Symbol,
		TokenDecimals:    int(ev.Decimals),
		AmountWei:        ev.Amount,
		UserData:         hexutil.Encode(ev.UserData),
		Event:            fetcher.EventRef(ev.Log, blockTime),
		WasProcessed:     processed,
		NumVotes:         votes,
		ErrorData:        domain.DefaultErrorData,
	}
	if exec != nil {
		ref := fetcher.EventRef(exec.Log, execTime)
		t.Executed = &ref

		data, found, err := evm.FirstErrorTokenReceiver(d.side.BridgeAddress, execReceipt.Logs)
		if err != nil {
			return nil, err
		}
		if found {
			t.HasErrorTokenReceiverEvents = true
			t.ErrorData = hexutil.Encode(data)
		}
	}
	if identity.Strategy != StrategyUserData {
		r.log.Warn("Transfer id derived with fallback strategy",
			"transaction_id", t.TransactionID, "strategy", identity.Strategy)
	}
	return t, nil
}

// NextCheckpoint returns the checkpoint after scanning window: the block
// before the oldest unprocessed deposit, or the window end when every
// deposit was processed. It never moves below prev.
func NextCheckpoint(prev int64, window fetcher.Window, transfers []*domain.Transfer) int64 {
	if window.Empty() {
		return prev
	}
	next := window.To
	for _, t := range transfers {
		if !t.WasProcessed {
			next = min(next, int64(t.Event.BlockNumber)-1)
		}
	}
	return max(prev, next)
}

// Op is the outcome of an upsert.
type Op string

const (
	OpCreated   Op = "created"
	OpUpdated   Op = "updated"
	OpUnchanged Op = "unchanged"
)

// Upsert stores obs by its natural key. Existing transfers only change
// when one of their mutable fields differs.
func Upsert(ctx context.Context, repo storage.TransferRepository, obs *domain.Transfer, now time.Time) (Op, error) {
	existing, err := repo.Get(ctx, obs.Key())
	if err != nil {
		return "", err
	}
	if existing == nil {
		obs.CreatedOn = now
		obs.UpdatedOn = now
		if err := repo.Insert(ctx, obs); err != nil {
			return "", fmt.Errorf("insert transfer %s: %w", obs.TransactionID, err)
		}
		return OpCreated, nil
	}
	if !existing.ApplyObserved(obs, now) {
		return OpUnchanged, nil
	}
	if err := repo.Update(ctx, existing); err != nil {
		return "", fmt.Errorf("update transfer %s: %w", obs.TransactionID, err)
	}
	return OpUpdated, nil
}
