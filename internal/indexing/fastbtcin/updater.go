// Package fastbtcin follows BTC to RSK transfers released through the
// FastBTC-in multisig and its managed wallet.
package fastbtcin

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/fetcher"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

const family = "fastbtc_in"

// Config describes one multisig and managed wallet pair.
type Config struct {
	Chain                domain.ChainName
	MultisigAddress      common.Address
	ManagedWalletAddress common.Address
	StartBlock           int64
	MinConfirmations     uint64
	MaxBlocks            uint64
	MaxBlocksFromNow     uint64
	BatchSize            uint64
}

// Updater applies multisig lifecycle events to stored transfers.
type Updater struct {
	cfg      Config
	client   chain.EVM
	multisig *evm.MultiSig
	store    storage.Store
	fetcher  *fetcher.Fetcher
	lookup   routing.RetryPolicy
	now      func() time.Time
	log      *slog.Logger
}

func New(cfg Config, client chain.EVM, store storage.Store) *Updater {
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 5
	}
	return &Updater{
		cfg:      cfg,
		client:   client,
		multisig: evm.NewMultiSig(client, cfg.MultisigAddress),
		store:    store,
		fetcher:  fetcher.New(cfg.BatchSize),
		lookup:   routing.LookupPolicy,
		now:      time.Now,
		log:      slog.Default().With("component", "fastbtc-in", "chain", cfg.Chain),
	}
}

// WithRetryPolicies replaces the fetch and lookup retry policies.
func (u *Updater) WithRetryPolicies(fetch, lookup routing.RetryPolicy) *Updater {
	u.fetcher.Policy = fetch
	u.lookup = lookup
	return u
}

func (u *Updater) Chain() domain.ChainName {
	return u.cfg.Chain
}

// Result summarizes a round.
type Result struct {
	Window  fetcher.Window
	Events  int
	Ignored int
	Created int
	Updated int
	Skipped bool
}

// Run performs one round. Block times and multisig transactions are read
// before the unit of work is opened.
func (u *Updater) Run(ctx context.Context) (*Result, error) {
	log := u.log.With("round", uuid.NewString())
	now := u.now().UTC()
	blockKey := checkpoint.FastBTCInBlockKey(u.cfg.Chain)

	// 1. Read (or initialize) the checkpoint
	var last int64
	err := storage.InTx(ctx, u.store, func(uow storage.UnitOfWork) error {
		var err error
		last, err = checkpoint.New(uow.KeyValues()).Block(ctx, blockKey, u.cfg.StartBlock-1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	// 2. Compute the window
	head, err := routing.Retry(ctx, u.lookup, u.client.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	w := fetcher.NewWindow(last, head, fetcher.WindowOptions{
		MinConfirmations: u.cfg.MinConfirmations,
		MaxBlocks:        u.cfg.MaxBlocks,
		MaxBlocksFromNow: u.cfg.MaxBlocksFromNow,
	})
	if w.From > last+1 {
		log.Info("Limiting start block to blocks from now", "max_blocks_from_now", u.cfg.MaxBlocksFromNow, "from", w.From, "instead_of", last+1)
	}
	res := &Result{Window: w}
	if w.Empty() || w.From < 0 {
		log.Info("Start block is past end block, skipping", "from", w.From, "to", w.To)
		res.Skipped = true
		return res, nil
	}

	// 3. Fetch events, block times and multisig transactions
	logs, err := fetcher.Fetch(ctx, u.fetcher, uint64(w.From), uint64(w.To), func(ctx context.Context, r fetcher.Range) ([]types.Log, error) {
		return u.client.Logs(ctx, evm.LogQuery{
			Addresses: []common.Address{u.cfg.MultisigAddress},
			Topics:    [][]common.Hash{evm.MultiSigTopics()},
			FromBlock: r.Start,
			ToBlock:   r.End,
		})
	})
	if err != nil {
		return nil, err
	}
	var events []*evm.MultiSigEvent
	for _, l := range logs {
		ev, ok, err := evm.ParseMultiSigEvent(l)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	res.Events = len(events)
	log.Info("Found multisig events", "from", w.From, "to", w.To, "count", len(events))

	times, err := fetcher.BlockTimes(ctx, u.client, u.lookup, logs)
	if err != nil {
		return nil, err
	}
	txs, err := u.transactions(ctx, events)
	if err != nil {
		return nil, err
	}

	// 4. Apply everything in one unit of work
	err = storage.InTx(ctx, u.store, func(uow storage.UnitOfWork) error {
		created, updated, ignored, err := u.apply(ctx, uow.FastBTCIn(), events, txs, times, now)
		if err != nil {
			return err
		}
		res.Created, res.Updated, res.Ignored = created, updated, ignored

		cps := checkpoint.New(uow.KeyValues())
		if err := cps.SetBlock(ctx, blockKey, w.To); err != nil {
			return err
		}
		return cps.Touch(ctx, checkpoint.FastBTCInUpdatedKey(u.cfg.Chain), now)
	})
	if err != nil {
		return nil, fmt.Errorf("apply fastbtc-in events: %w", err)
	}

	metrics.TransfersUpserted.WithLabelValues(family, "created").Add(float64(res.Created))
	metrics.TransfersUpserted.WithLabelValues(family, "updated").Add(float64(res.Updated))
	metrics.CheckpointBlock.WithLabelValues("fastbtc-in", string(u.cfg.Chain)).Set(float64(w.To))
	log.Info("Updated FastBTC-in transfers",
		"created", res.Created, "updated", res.Updated, "ignored", res.Ignored, "last_processed_block", w.To)
	return res, nil
}

// transactions reads every referenced multisig transaction once.
func (u *Updater) transactions(ctx context.Context, events []*evm.MultiSigEvent) (map[int64]*evm.MultiSigTransaction, error) {
	txs := make(map[int64]*evm.MultiSigTransaction)
	for i, ev := range events {
		id, err := transactionID(ev.TransactionID)
		if err != nil {
			return nil, err
		}
		if _, ok := txs[id]; ok {
			continue
		}
		tx, err := routing.Retry(ctx, u.lookup, func(ctx context.Context) (*evm.MultiSigTransaction, error) {
			return u.multisig.Transaction(ctx, ev.TransactionID)
		})
		if err != nil {
			return nil, fmt.Errorf("multisig transaction %d: %w", id, err)
		}
		txs[id] = tx
		if n := i + 1; n%10 == 0 || n == len(events) {
			u.log.Debug("Retrieved multisig transactions", "progress", n, "total", len(events))
		}
	}
	return txs, nil
}

func (u *Updater) apply(
	ctx context.Context,
	repo storage.FastBTCInRepository,
	events []*evm.MultiSigEvent,
	txs map[int64]*evm.MultiSigTransaction,
	times map[common.Hash]time.Time,
	now time.Time,
) (created, updated, ignored int, err error) {
	for _, ev := range events {
		id, err := transactionID(ev.TransactionID)
		if err != nil {
			return 0, 0, 0, err
		}
		tx := txs[id]
		if tx.Destination != u.cfg.ManagedWalletAddress {
			u.log.Info("Ignoring event, destination is not the managed wallet",
				"event", ev.Name, "multisig_tx_id", id, "destination", tx.Destination.Hex())
			ignored++
			continue
		}
		call, ok, err := evm.DecodeWalletCall(tx.Data)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("multisig transaction %d: %w", id, err)
		}
		if !ok {
			u.log.Info("Ignoring event, unmonitored wallet function", "event", ev.Name, "multisig_tx_id", id)
			ignored++
			continue
		}

		t, err := repo.Get(ctx, u.cfg.Chain, id)
		if err != nil {
			return 0, 0, 0, err
		}
		isNew := t == nil
		if isNew {
			t = newTransfer(u.cfg.Chain, id, call, now)
		}

		ref := fetcher.EventRef(ev.Log, times[ev.Log.BlockHash])
		txHash := ev.Log.TxHash.Hex()
		switch ev.Name {
		case evm.EventSubmission:
			t.MarkSubmitted(ref, now)
		case evm.EventConfirmation:
			t.AddConfirmation(ev.Sender.Hex(), txHash, now)
		case evm.EventRevocation:
			if !t.RevokeConfirmation(ev.Sender.Hex(), txHash, now) {
				u.log.Warn("Revocation without confirmation", "multisig_tx_id", id, "signer", ev.Sender.Hex())
			}
		case evm.EventExecution:
			t.MarkExecuted(ref, now)
		case evm.EventExecutionFailure:
			t.MarkExecutionFailure(txHash, now)
		default:
			return 0, 0, 0, fmt.Errorf("unexpected multisig event %s", ev.Name)
		}
		u.log.Debug("Applied multisig event", "event", ev.Name, "multisig_tx_id", id, "block", ev.Log.BlockNumber)

		if isNew {
			if err := repo.Insert(ctx, t); err != nil {
				return 0, 0, 0, fmt.Errorf("insert transfer %d: %w", id, err)
			}
			created++
			continue
		}
		if err := repo.Update(ctx, t); err != nil {
			return 0, 0, 0, fmt.Errorf("update transfer %d: %w", id, err)
		}
		updated++
	}
	return created, updated, ignored, nil
}

func newTransfer(chainName domain.ChainName, id int64, call *evm.WalletCall, now time.Time) *domain.FastBTCInTransfer {
	t := &domain.FastBTCInTransfer{
		Chain:              chainName,
		MultisigTxID:       id,
		RSKReceiverAddress: call.Receiver.Hex(),
		TransferFunction:   call.Function,
		NetAmountWei:       call.Amount,
		FeeWei:             call.Fee,
		Status:             domain.FastBTCInInitiated,
		SeenOn:             now,
		UpdatedOn:          now,
	}
	if call.BTCTxHash != nil {
		t.BitcoinTxHash = strings.TrimPrefix(call.BTCTxHash.Hex(), "0x")
	}
	if call.BTCTxVout != nil {
		t.BitcoinTxVout = call.BTCTxVout.Int64()
	}
	return t
}

func transactionID(id *big.Int) (int64, error) {
	if id == nil || !id.IsInt64() {
		return 0, domain.Inconsistentf("multisig transaction id %v out of range", id)
	}
	return id.Int64(), nil
}
