package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
)

var (
	// ErrNotFound is returned when an update targets a missing row
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a natural key
	ErrDuplicate = errors.New("duplicate key")

	// ErrTxDone is returned when a finished unit of work is reused
	ErrTxDone = errors.New("transaction already completed")
)

// KeyValueRepository stores JSON values by key. Checkpoints live here.
type KeyValueRepository interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set upserts the value
	Set(ctx context.Context, key string, value json.RawMessage) error

	// List returns all pairs whose key starts with prefix
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

// TransferRepository stores token bridge transfers.
type TransferRepository interface {
	// Get returns nil, nil when the transfer does not exist
	Get(ctx context.Context, key domain.TransferKey) (*domain.Transfer, error)

	// Insert creates the transfer and sets its ID
	Insert(ctx context.Context, t *domain.Transfer) error

	// Update writes the mutable fields of an existing transfer
	Update(ctx context.Context, t *domain.Transfer) error

	// ListUnprocessed returns transfers that were not processed yet
	ListUnprocessed(ctx context.Context) ([]*domain.Transfer, error)
}

// BidiTransferRepository stores bidirectional FastBTC transfers.
type BidiTransferRepository interface {
	Get(ctx context.Context, chain domain.ChainName, transferID string) (*domain.BidiTransfer, error)
	Insert(ctx context.Context, t *domain.BidiTransfer) error
	Update(ctx context.Context, t *domain.BidiTransfer) error
	ListUnprocessed(ctx context.Context) ([]*domain.BidiTransfer, error)
}

// FastBTCInRepository stores FastBTC-in multisig transfers.
type FastBTCInRepository interface {
	Get(ctx context.Context, chain domain.ChainName, multisigTxID int64) (*domain.FastBTCInTransfer, error)
	Insert(ctx context.Context, t *domain.FastBTCInTransfer) error
	Update(ctx context.Context, t *domain.FastBTCInTransfer) error
	ListUnprocessed(ctx context.Context) ([]*domain.FastBTCInTransfer, error)
}

// BookkeeperRepository stores address bookkeeper cursors.
type BookkeeperRepository interface {
	// Get returns nil, nil when the address is not tracked
	Get(ctx context.Context, address string) (*domain.AddressBookkeeper, error)

	// Insert reports false when the address is already tracked
	Insert(ctx context.Context, b *domain.AddressBookkeeper) (bool, error)

	// UpdateCursors writes LowestScanned and NextToScanHigh
	UpdateCursors(ctx context.Context, b *domain.AddressBookkeeper) error

	// Delete stops tracking an address. Stored traces are kept.
	Delete(ctx context.Context, address string) error

	// List returns every tracked address
	List(ctx context.Context) ([]*domain.AddressBookkeeper, error)
}

// TraceRepository stores write-once trace records.
type TraceRepository interface {
	// Exists is a fast-path check; Insert stays idempotent without it
	Exists(ctx context.Context, txHash string, traceIndex int) (bool, error)

	// Insert reports false when (tx_hash, trace_index) is already stored
	Insert(ctx context.Context, r *domain.TraceRecord) (bool, error)

	// NetValue returns the value received minus the value sent by address in
	// blocks [fromBlock, toBlock], ignoring errored traces
	NetValue(ctx context.Context, address string, fromBlock, toBlock uint64) (*big.Int, error)
}

// AlertRepository stores late-transfer alerts.
type AlertRepository interface {
	ListUnresolved(ctx context.Context, alertType domain.AlertType) ([]*domain.Alert, error)
	Insert(ctx context.Context, a *domain.Alert) error
	Update(ctx context.Context, a *domain.Alert) error
}

// ReplenisherRepository stores multisig replenishment transactions.
type ReplenisherRepository interface {
	// Insert reports false when the transaction is already stored
	Insert(ctx context.Context, tx *domain.ReplenisherTx) (bool, error)
}

// UnitOfWork bundles repositories over a single transaction. Commit or
// Rollback ends it; Rollback is safe to call after Commit.
type UnitOfWork interface {
	KeyValues() KeyValueRepository
	Transfers() TransferRepository
	BidiTransfers() BidiTransferRepository
	FastBTCIn() FastBTCInRepository
	Bookkeepers() BookkeeperRepository
	Traces() TraceRepository
	Alerts() AlertRepository
	Replenisher() ReplenisherRepository

	// AfterCommit registers fn to run only if the transaction commits
	AfterCommit(fn func())

	Commit() error
	Rollback() error
}

// Store opens units of work.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

// InTx runs fn inside a unit of work and commits it when fn succeeds.
// After-commit hooks run once the commit went through.
func InTx(ctx context.Context, store Store, fn func(uow UnitOfWork) error) error {
	uow, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = uow.Rollback()
	}()

	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Hooks collects after-commit callbacks for UnitOfWork implementations.
type Hooks struct {
	fns []func()
}

// Add registers fn.
func (h *Hooks) Add(fn func()) {
	h.fns = append(h.fns, fn)
}

// Run invokes and clears the registered callbacks.
func (h *Hooks) Run() {
	fns := h.fns
	h.fns = nil
	for _, fn := range fns {
		fn()
	}
}

// Reset drops the registered callbacks.
func (h *Hooks) Reset() {
	h.fns = nil
}
