package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/emitter"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

const loopCycle = 1000

// BookkeeperConfig configures the address trace bookkeeper.
type BookkeeperConfig struct {
	ChainID             int64
	SafetyLimit         uint64
	IdleSleep           time.Duration
	SanityCheckInterval time.Duration
}

// TrackedAddress is an address registered from configuration.
type TrackedAddress struct {
	Address string
	Name    string
	Start   uint64
	End     *uint64
}

// Bookkeeper stores the value-transfer traces of tracked addresses. Each
// address is scanned backward to its start block and forward up to the safe
// head, one block per unit of work.
type Bookkeeper struct {
	cfg      BookkeeperConfig
	client   chain.EVM
	store    storage.Store
	messager emitter.Messager
	policy   routing.RetryPolicy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// NewBookkeeper creates a bookkeeper reading traces from client.
func NewBookkeeper(
	cfg BookkeeperConfig,
	client chain.EVM,
	store storage.Store,
	messager emitter.Messager,
) *Bookkeeper {
	if cfg.SafetyLimit == 0 {
		cfg.SafetyLimit = 12
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 10 * time.Second
	}
	if cfg.SanityCheckInterval <= 0 {
		cfg.SanityCheckInterval = time.Hour
	}
	if messager == nil {
		messager = emitter.Null{}
	}
	return &Bookkeeper{
		cfg:      cfg,
		client:   client,
		store:    store,
		messager: messager,
		policy:   routing.LookupPolicy,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      slog.Default().With("component", "bookkeeper", "chain", client.Chain()),
	}
}

// WithRetryPolicy replaces the retry policy of chain reads.
func (b *Bookkeeper) WithRetryPolicy(p routing.RetryPolicy) *Bookkeeper {
	b.policy = p
	return b
}

// AddAddress starts tracking address with both cursors at max(initial,
// start). It reports false when the address is already tracked.
func (b *Bookkeeper) AddAddress(ctx context.Context, address, name string, initial, start uint64, end *uint64) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid address %q", address)
	}
	if end != nil && *end <= start {
		return false, fmt.Errorf("end block %d must be above start block %d", *end, start)
	}
	bk := domain.NewAddressBookkeeper(normalizeAddress(address), name, initial, start, end, b.now().UTC())

	var added bool
	err := storage.InTx(ctx, b.store, func(uow storage.UnitOfWork) error {
		var err error
		added, err = uow.Bookkeepers().Insert(ctx, bk)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add address %s: %w", bk.Address, err)
	}
	if added {
		b.log.Info("Tracking address", "address", bk.Address, "name", name, "start", start, "initial", bk.NextToScanHigh)
	} else {
		b.log.Info("Address already tracked", "address", bk.Address)
	}
	return added, nil
}

// RemoveAddress stops tracking address. Stored traces are kept.
func (b *Bookkeeper) RemoveAddress(ctx context.Context, address string) error {
	address = normalizeAddress(address)
	err := storage.InTx(ctx, b.store, func(uow storage.UnitOfWork) error {
		return uow.Bookkeepers().Delete(ctx, address)
	})
	if err != nil {
		return fmt.Errorf("remove address %s: %w", address, err)
	}
	b.log.Info("Stopped tracking address", "address", address)
	return nil
}

// EnsureAddresses registers configured addresses, starting new ones just
// above the safe head.
func (b *Bookkeeper) EnsureAddresses(ctx context.Context, addrs []TrackedAddress) error {
	if len(addrs) == 0 {
		return nil
	}
	initial, err := b.InitialBlock(ctx)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if _, err := b.AddAddress(ctx, a.Address, a.Name, initial, a.Start, a.End); err != nil {
			return err
		}
	}
	return nil
}

// InitialBlock is where the cursors of a newly added address start: the
// first block past the safe head.
func (b *Bookkeeper) InitialBlock(ctx context.Context) (uint64, error) {
	head, err := routing.Retry(ctx, b.policy, b.client.BlockNumber)
	if err != nil {
		return 0, err
	}
	if head < b.cfg.SafetyLimit {
		return 0, nil
	}
	return head - b.cfg.SafetyLimit + 1, nil
}

func normalizeAddress(address string) string {
	if common.IsHexAddress(address) {
		return strings.ToLower(common.HexToAddress(address).Hex())
	}
	return strings.ToLower(address)
}

type direction string

const (
	up   direction = "up"
	down direction = "down"
)

// ScanUp processes the lowest next_to_scan_high block that is past the
// safety limit. It reports false when no address can scan up.
func (b *Bookkeeper) ScanUp(ctx context.Context) (bool, error) {
	head, err := routing.Retry(ctx, b.policy, b.client.BlockNumber)
	if err != nil {
		return false, err
	}
	return b.scan(ctx, up, func(all []*domain.AddressBookkeeper) (uint64, []*domain.AddressBookkeeper) {
		var (
			block      uint64
			candidates []*domain.AddressBookkeeper
		)
		for _, bk := range all {
			if !bk.CanScanUp(head, b.cfg.SafetyLimit) {
				continue
			}
			switch {
			case len(candidates) == 0 || bk.NextToScanHigh < block:
				block = bk.NextToScanHigh
				candidates = []*domain.AddressBookkeeper{bk}
			case bk.NextToScanHigh == block:
				candidates = append(candidates, bk)
			}
		}
		return block, candidates
	})
}

// ScanDown processes the block below the highest lowest_scanned among
// addresses with history left. It reports false when every address reached
// its start block.
func (b *Bookkeeper) ScanDown(ctx context.Context) (bool, error) {
	return b.scan(ctx, down, func(all []*domain.AddressBookkeeper) (uint64, []*domain.AddressBookkeeper) {
		var (
			lowest     uint64
			candidates []*domain.AddressBookkeeper
		)
		for _, bk := range all {
			if !bk.CanScanDown() {
				continue
			}
			switch {
			case len(candidates) == 0 || bk.LowestScanned > lowest:
				lowest = bk.LowestScanned
				candidates = []*domain.AddressBookkeeper{bk}
			case bk.LowestScanned == lowest:
				candidates = append(candidates, bk)
			}
		}
		if len(candidates) == 0 {
			return 0, nil
		}
		return lowest - 1, candidates
	})
}

type selectFunc func(all []*domain.AddressBookkeeper) (uint64, []*domain.AddressBookkeeper)

func (b *Bookkeeper) scan(ctx context.Context, dir direction, pick selectFunc) (bool, error) {
	// 1. Pick the block and the addresses scanning it
	var (
		block      uint64
		candidates []*domain.AddressBookkeeper
	)
	err := storage.InTx(ctx, b.store, func(uow storage.UnitOfWork) error {
		all, err := uow.Bookkeepers().List(ctx)
		if err != nil {
			return err
		}
		block, candidates = pick(all)
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}
	if block%1000 == 0 {
		b.log.Info("Scanning block", "block", block, "direction", dir, "addresses", len(candidates))
	}

	// 2. Read traces and block time
	traces, err := routing.Retry(ctx, b.policy, func(ctx context.Context) ([]evm.Trace, error) {
		return b.client.TraceBlock(ctx, block)
	})
	if err != nil {
		return false, fmt.Errorf("trace block %d: %w", block, err)
	}
	header, err := routing.Retry(ctx, b.policy, func(ctx context.Context) (*evm.Header, error) {
		return b.client.HeaderByNumber(ctx, block)
	})
	if err != nil {
		return false, fmt.Errorf("header %d: %w", block, err)
	}

	// 3. Store matching traces and move the cursors together
	now := b.now().UTC()
	var stored int
	err = storage.InTx(ctx, b.store, func(uow storage.UnitOfWork) error {
		repo := uow.Bookkeepers()
		var tracked []*domain.AddressBookkeeper
		for _, c := range candidates {
			bk, err := repo.Get(ctx, c.Address)
			if err != nil {
				return err
			}
			// Skip addresses removed or moved since the pick
			if bk == nil || cursor(bk, dir) != cursor(c, dir) {
				continue
			}
			tracked = append(tracked, bk)
		}

		var err error
		stored, err = b.storeTraces(ctx, uow.Traces(), block, header.Timestamp, traces, tracked)
		if err != nil {
			return err
		}

		for _, bk := range tracked {
			if dir == up {
				bk.NextToScanHigh = block + 1
			} else {
				bk.LowestScanned = block
			}
			bk.UpdatedOn = now
			if err := repo.UpdateCursors(ctx, bk); err != nil {
				return err
			}
			uow.AfterCommit(func() {
				metrics.BookkeeperCursor.WithLabelValues(bk.Address, string(dir)).Set(float64(cursor(bk, dir)))
			})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("scan %s block %d: %w", dir, block, err)
	}
	if stored > 0 {
		metrics.TracesStored.Add(float64(stored))
		b.log.Info("Stored traces", "block", block, "count", stored)
	}
	return true, nil
}

func cursor(bk *domain.AddressBookkeeper, dir direction) uint64 {
	if dir == up {
		return bk.NextToScanHigh
	}
	return bk.LowestScanned
}

func (b *Bookkeeper) storeTraces(
	ctx context.Context,
	repo storage.TraceRepository,
	block uint64,
	blockTime time.Time,
	traces []evm.Trace,
	tracked []*domain.AddressBookkeeper,
) (int, error) {
	var stored int
	for _, t := range traces {
		rec := &domain.TraceRecord{
			TxHash:      t.TxHash,
			TraceIndex:  t.TraceIndex,
			BlockNumber: block,
			BlockTime:   blockTime.UTC(),
			ChainID:     b.cfg.ChainID,
			FromAddress: t.From,
			ToAddress:   t.To,
			Value:       t.Value,
			Error:       t.Error,
			Raw:         t.Raw,
		}
		if !touchesAny(rec, block, tracked) {
			continue
		}
		exists, err := repo.Exists(ctx, rec.TxHash, rec.TraceIndex)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		inserted, err := repo.Insert(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("insert trace %s/%d: %w", rec.TxHash, rec.TraceIndex, err)
		}
		if inserted {
			stored++
		}
	}
	return stored, nil
}

func touchesAny(rec *domain.TraceRecord, block uint64, tracked []*domain.AddressBookkeeper) bool {
	for _, bk := range tracked {
		if bk.Tracks(block) && rec.Touches(bk.Address) {
			return true
		}
	}
	return false
}

// Step runs iteration i of the scan loop: scan down first, otherwise scan
// up. While history is being filled, every 100th iteration also scans up so
// the forward cursor keeps pace with the chain. It reports true when there
// was nothing to do.
func (b *Bookkeeper) Step(ctx context.Context, i int) (bool, error) {
	scannedDown, err := b.ScanDown(ctx)
	if err != nil {
		return false, err
	}
	if !scannedDown {
		scannedUp, err := b.ScanUp(ctx)
		if err != nil {
			return false, err
		}
		return !scannedUp, nil
	}
	if i%100 == 99 {
		if _, err := b.ScanUp(ctx); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Start runs the scan loop until ctx is cancelled. Errors are logged and
// followed by the idle sleep.
func (b *Bookkeeper) Start(ctx context.Context) {
	b.log.Info("Starting bookkeeper", "safety_limit", b.cfg.SafetyLimit)
	for i := 0; ; i = (i + 1) % loopCycle {
		if ctx.Err() != nil {
			return
		}
		idle, err := b.Step(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error("Bookkeeper scan failed", "error", err)
			idle = true
		}
		if idle {
			if err := b.sleep(ctx, b.cfg.IdleSleep); err != nil {
				return
			}
		}
	}
}

// StartSanityChecks runs SanityCheck on every interval until ctx is
// cancelled.
func (b *Bookkeeper) StartSanityChecks(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SanityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.SanityCheck(ctx); err != nil {
				b.log.Error("Sanity check failed", "error", err)
			}
		}
	}
}

// SanityResult compares the stored trace value of an address with its
// balance change over the scanned window.
type SanityResult struct {
	Address       string
	FromBlock     uint64
	ToBlock       uint64
	TraceNet      *big.Int
	BalanceChange *big.Int
}

func (r SanityResult) OK() bool {
	return r.TraceNet.Cmp(r.BalanceChange) == 0
}

// SanityCheck compares net trace value with the balance change of every
// address over [lowest_scanned, next_to_scan_high-1]. Mismatches are logged
// and notified, never fatal.
func (b *Bookkeeper) SanityCheck(ctx context.Context) ([]SanityResult, error) {
	var (
		bookkeepers []*domain.AddressBookkeeper
		nets        = make(map[string]*big.Int)
	)
	err := storage.InTx(ctx, b.store, func(uow storage.UnitOfWork) error {
		var err error
		bookkeepers, err = uow.Bookkeepers().List(ctx)
		if err != nil {
			return err
		}
		for _, bk := range bookkeepers {
			if bk.NextToScanHigh <= bk.LowestScanned {
				continue
			}
			net, err := uow.Traces().NetValue(ctx, bk.Address, bk.LowestScanned, bk.NextToScanHigh-1)
			if err != nil {
				return err
			}
			nets[bk.Address] = net
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var results []SanityResult
	for _, bk := range bookkeepers {
		net, ok := nets[bk.Address]
		if !ok {
			continue
		}
		change, err := b.balanceChange(ctx, bk)
		if err != nil {
			return results, err
		}
		res := SanityResult{
			Address:       bk.Address,
			FromBlock:     bk.LowestScanned,
			ToBlock:       bk.NextToScanHigh - 1,
			TraceNet:      net,
			BalanceChange: change,
		}
		results = append(results, res)
		if res.OK() {
			b.log.Info("Sanity check passed", "address", bk.Address, "from", res.FromBlock, "to", res.ToBlock)
			continue
		}

		metrics.SanityMismatches.WithLabelValues(bk.Address).Inc()
		b.log.Warn("Sanity check mismatch",
			"address", bk.Address, "name", bk.Name,
			"from", res.FromBlock, "to", res.ToBlock,
			"trace_net", net.String(), "balance_change", change.String())
		msg := fmt.Sprintf("Bookkeeper sanity check failed for %s (%s) in blocks %d-%d: traces net %s wei, balance change %s wei",
			bk.Name, bk.Address, res.FromBlock, res.ToBlock, net, change)
		if err := b.messager.Send(ctx, msg); err != nil {
			b.log.Error("Failed to send sanity check message", "error", err)
		}
	}
	return results, nil
}

func (b *Bookkeeper) balanceChange(ctx context.Context, bk *domain.AddressBookkeeper) (*big.Int, error) {
	address := common.HexToAddress(bk.Address)
	balanceAt := func(block uint64) (*big.Int, error) {
		return routing.Retry(ctx, b.policy, func(ctx context.Context) (*big.Int, error) {
			return b.client.BalanceAt(ctx, address, block)
		})
	}

	end, err := balanceAt(bk.NextToScanHigh - 1)
	if err != nil {
		return nil, err
	}
	start := new(big.Int)
	if bk.LowestScanned > 0 {
		if start, err = balanceAt(bk.LowestScanned - 1); err != nil {
			return nil, err
		}
	}
	return new(big.Int).Sub(end, start), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
