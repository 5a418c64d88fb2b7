// Package bidi follows transfers through the bidirectional FastBTC bridge
// contract on RSK.
package bidi

import (
	"context"
	"fmt"
	"log/slog"
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

const family = "bidi_fastbtc"

// Config describes one deployment of the FastBTC bridge contract.
type Config struct {
	Chain            domain.ChainName
	ContractAddress  common.Address
	StartBlock       int64
	MinConfirmations uint64
	MaxBlocks        uint64
	MaxBlocksFromNow uint64
	BatchSize        uint64
}

// Updater applies FastBTC bridge events to stored transfers.
type Updater struct {
	cfg     Config
	client  chain.EVM
	store   storage.Store
	fetcher *fetcher.Fetcher
	lookup  routing.RetryPolicy
	now     func() time.Time
	log     *slog.Logger
}

// New creates an updater reading from client.
func New(cfg Config, client chain.EVM, store storage.Store) *Updater {
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 5
	}
	return &Updater{
		cfg:     cfg,
		client:  client,
		store:   store,
		fetcher: fetcher.New(cfg.BatchSize),
		lookup:  routing.LookupPolicy,
		now:     time.Now,
		log:     slog.Default().With("component", "bidi-fastbtc", "chain", cfg.Chain),
	}
}

// WithRetryPolicies replaces the fetch and lookup retry policies.
func (u *Updater) WithRetryPolicies(fetch, lookup routing.RetryPolicy) *Updater {
	u.fetcher.Policy = fetch
	u.lookup = lookup
	return u
}

// Chain returns the chain the updater scans.
func (u *Updater) Chain() domain.ChainName {
	return u.cfg.Chain
}

// Result summarizes a round.
type Result struct {
	Window  fetcher.Window
	Created int
	Updated int
	Skipped bool
}

// events holds the decoded logs of one window in log order.
type events struct {
	created []*evm.NewBitcoinTransferEvent
	updates []*evm.StatusUpdatedEvent
	sending []*evm.BatchSendingEvent
	all     []types.Log
}

// Run performs one round. Any inconsistency between the sending batches and
// the status updates aborts the round without writing anything.
func (u *Updater) Run(ctx context.Context) (*Result, error) {
	log := u.log.With("round", uuid.NewString())
	now := u.now().UTC()
	blockKey := checkpoint.BidiBlockKey(u.cfg.Chain)

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

	// 3. Fetch events and their block times
	evs, err := u.fetchEvents(ctx, w)
	if err != nil {
		return nil, err
	}
	log.Info("Fetched events",
		"from", w.From, "to", w.To,
		"new", len(evs.created), "sending", len(evs.sending), "status_updates", len(evs.updates))

	times, err := fetcher.BlockTimes(ctx, u.client, u.lookup, evs.all)
	if err != nil {
		return nil, err
	}

	// 4. Apply everything in one unit of work
	err = storage.InTx(ctx, u.store, func(uow storage.UnitOfWork) error {
		repo := uow.BidiTransfers()
		created, updated, err := u.apply(ctx, repo, evs, times, now)
		if err != nil {
			return err
		}
		res.Created, res.Updated = created, updated

		cps := checkpoint.New(uow.KeyValues())
		if err := cps.SetBlock(ctx, blockKey, w.To); err != nil {
			return err
		}
		return cps.Touch(ctx, checkpoint.BidiUpdatedKey(u.cfg.Chain), now)
	})
	if err != nil {
		return nil, fmt.Errorf("apply bidi events: %w", err)
	}

	metrics.TransfersUpserted.WithLabelValues(family, "created").Add(float64(res.Created))
	metrics.TransfersUpserted.WithLabelValues(family, "updated").Add(float64(res.Updated))
	metrics.CheckpointBlock.WithLabelValues("bidi-fastbtc", string(u.cfg.Chain)).Set(float64(w.To))
	log.Info("Updated bidirectional FastBTC transfers", "created", res.Created, "updated", res.Updated, "last_processed_block", w.To)
	return res, nil
}

func (u *Updater) fetchEvents(ctx context.Context, w fetcher.Window) (*events, error) {
	topics := []common.Hash{
		evm.NewBitcoinTransferTopic,
		evm.BitcoinTransferBatchSendingTopic,
		evm.BitcoinTransferStatusUpdatedTopic,
	}
	logs, err := fetcher.Fetch(ctx, u.fetcher, uint64(w.From), uint64(w.To), func(ctx context.Context, r fetcher.Range) ([]types.Log, error) {
		return u.client.Logs(ctx, evm.LogQuery{
			Addresses: []common.Address{u.cfg.ContractAddress},
			Topics:    [][]common.Hash{topics},
			FromBlock: r.Start,
			ToBlock:   r.End,
		})
	})
	if err != nil {
		return nil, err
	}

	evs := &events{all: logs}
	for _, l := range logs {
		switch l.Topics[0] {
		case evm.NewBitcoinTransferTopic:
			ev, err := evm.ParseNewBitcoinTransfer(l)
			if err != nil {
				return nil, err
			}
			evs.created = append(evs.created, ev)
		case evm.BitcoinTransferBatchSendingTopic:
			ev, err := evm.ParseBatchSending(l)
			if err != nil {
				return nil, err
			}
			evs.sending = append(evs.sending, ev)
		case evm.BitcoinTransferStatusUpdatedTopic:
			ev, err := evm.ParseStatusUpdated(l)
			if err != nil {
				return nil, err
			}
			evs.updates = append(evs.updates, ev)
		}
	}
	return evs, nil
}

func (u *Updater) apply(
	ctx context.Context,
	repo storage.BidiTransferRepository,
	evs *events,
	times map[common.Hash]time.Time,
	now time.Time,
) (created, updated int, err error) {
	// Create new transfers
	for _, ev := range evs.created {
		transferID := ev.TransferID.Hex()
		existing, err := repo.Get(ctx, u.cfg.Chain, transferID)
		if err != nil {
			return 0, 0, err
		}
		if existing != nil {
			u.log.Warn("Transfer already stored", "transfer_id", transferID)
			continue
		}
		if !ev.AmountSatoshi.IsInt64() || !ev.FeeSatoshi.IsInt64() {
			return 0, 0, domain.Inconsistentf("transfer %s amount out of range", transferID)
		}
		amount, fee := ev.AmountSatoshi.Int64(), ev.FeeSatoshi.Int64()
		t := &domain.BidiTransfer{
			Chain:              u.cfg.Chain,
			TransferID:         transferID,
			RSKAddress:         ev.RSKAddress.Hex(),
			BitcoinAddress:     ev.BTCAddress,
			TotalAmountSatoshi: amount + fee,
			NetAmountSatoshi:   amount,
			FeeSatoshi:         fee,
			Status:             domain.BidiNew,
			Event:              fetcher.EventRef(ev.Log, times[ev.Log.BlockHash]),
			CreatedOn:          now,
			UpdatedOn:          now,
		}
		if err := repo.Insert(ctx, t); err != nil {
			return 0, 0, fmt.Errorf("insert transfer %s: %w", transferID, err)
		}
		created++
	}

	queue := newSendingQueue(evs.sending)

	// Update transfer statuses and bitcoin hashes
	for _, ev := range evs.updates {
		transferID := ev.TransferID.Hex()
		t, err := repo.Get(ctx, u.cfg.Chain, transferID)
		if err != nil {
			return 0, 0, err
		}
		if t == nil {
			return 0, 0, domain.Inconsistentf("could not find transfer %s on %s", transferID, u.cfg.Chain)
		}

		status, err := domain.ParseBidiStatus(ev.NewStatus)
		if err != nil {
			return 0, 0, err
		}
		ref := fetcher.EventRef(ev.Log, times[ev.Log.BlockHash])
		switch status {
		case domain.BidiSending:
			sending, err := queue.pop(ev.Log.TxHash)
			if err != nil {
				return 0, 0, err
			}
			t.MarkSending(bitcoinTxID(sending.BitcoinTxHash), int(sending.TransferBatchSize), ref, now)
		case domain.BidiMined:
			t.MarkMined(ref, now)
		case domain.BidiRefunded, domain.BidiReclaimed:
			t.MarkRefundedOrReclaimed(status, ref, now)
		case domain.BidiInvalid:
			t.UpdateStatus(status, now)
		default:
			return 0, 0, domain.Inconsistentf("invalid status %s for transfer %s in tx %s", status, transferID, ev.Log.TxHash.Hex())
		}
		t.UpdatedOn = now

		if err := repo.Update(ctx, t); err != nil {
			return 0, 0, fmt.Errorf("update transfer %s: %w", transferID, err)
		}
		updated++
	}

	if err := queue.drained(); err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// bitcoinTxID renders a BTC transaction hash without the 0x prefix.
func bitcoinTxID(h common.Hash) string {
	return strings.TrimPrefix(h.Hex(), "0x")
}

// sendingQueue hands out batch sending events per RSK transaction. Each
// event is queued once per transfer in its batch.
type sendingQueue struct {
	byTx  map[common.Hash][]*evm.BatchSendingEvent
	order []common.Hash
}

func newSendingQueue(sending []*evm.BatchSendingEvent) *sendingQueue {
	q := &sendingQueue{byTx: make(map[common.Hash][]*evm.BatchSendingEvent)}
	for _, ev := range sending {
		tx := ev.Log.TxHash
		if _, ok := q.byTx[tx]; !ok {
			q.order = append(q.order, tx)
		}
		for i := 0; i < int(ev.TransferBatchSize); i++ {
			q.byTx[tx] = append(q.byTx[tx], ev)
		}
	}
	return q
}

func (q *sendingQueue) pop(tx common.Hash) (*evm.BatchSendingEvent, error) {
	pending := q.byTx[tx]
	if len(pending) == 0 {
		return nil, domain.Inconsistentf("no batch sending event left for tx %s", tx.Hex())
	}
	q.byTx[tx] = pending[1:]
	return pending[0], nil
}

// drained fails when a batch announced more transfers than were marked as
// sending.
func (q *sendingQueue) drained() error {
	for _, tx := range q.order {
		if n := len(q.byTx[tx]); n > 0 {
			return domain.Inconsistentf("%d batch sending slots left unused for tx %s", n, tx.Hex())
		}
	}
	return nil
}
