// Package memory is an in-process storage.Store used by tests and by the
// service when no database is configured.
//
// A unit of work holds the store lock for its whole lifetime and works on a
// deep copy of the state; Commit swaps the copy in, Rollback drops it.
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"math/big"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

type bidiKey struct {
	chain      domain.ChainName
	transferID string
}

type fastBTCInKey struct {
	chain        domain.ChainName
	multisigTxID int64
}

type traceKey struct {
	txHash     string
	traceIndex int
}

type replenisherKey struct {
	chain domain.ChainName
	txID  string
}

type state struct {
	kv          map[string]json.RawMessage
	transfers   map[domain.TransferKey]*domain.Transfer
	bidi        map[bidiKey]*domain.BidiTransfer
	fastBTCIn   map[fastBTCInKey]*domain.FastBTCInTransfer
	bookkeepers map[string]*domain.AddressBookkeeper
	traces      map[traceKey]*domain.TraceRecord
	alerts      map[int64]*domain.Alert
	replenisher map[replenisherKey]*domain.ReplenisherTx
	nextID      int64
}

func newState() *state {
	return &state{
		kv:          make(map[string]json.RawMessage),
		transfers:   make(map[domain.TransferKey]*domain.Transfer),
		bidi:        make(map[bidiKey]*domain.BidiTransfer),
		fastBTCIn:   make(map[fastBTCInKey]*domain.FastBTCInTransfer),
		bookkeepers: make(map[string]*domain.AddressBookkeeper),
		traces:      make(map[traceKey]*domain.TraceRecord),
		alerts:      make(map[int64]*domain.Alert),
		replenisher: make(map[replenisherKey]*domain.ReplenisherTx),
	}
}

func (s *state) clone() *state {
	c := &state{
		kv:          make(map[string]json.RawMessage, len(s.kv)),
		transfers:   make(map[domain.TransferKey]*domain.Transfer, len(s.transfers)),
		bidi:        make(map[bidiKey]*domain.BidiTransfer, len(s.bidi)),
		fastBTCIn:   make(map[fastBTCInKey]*domain.FastBTCInTransfer, len(s.fastBTCIn)),
		bookkeepers: make(map[string]*domain.AddressBookkeeper, len(s.bookkeepers)),
		traces:      maps.Clone(s.traces),
		alerts:      make(map[int64]*domain.Alert, len(s.alerts)),
		replenisher: maps.Clone(s.replenisher),
		nextID:      s.nextID,
	}
	for k, v := range s.kv {
		c.kv[k] = slices.Clone(v)
	}
	for k, v := range s.transfers {
		c.transfers[k] = copyTransfer(v)
	}
	for k, v := range s.bidi {
		c.bidi[k] = copyBidi(v)
	}
	for k, v := range s.fastBTCIn {
		c.fastBTCIn[k] = copyFastBTCIn(v)
	}
	for k, v := range s.bookkeepers {
		c.bookkeepers[k] = copyBookkeeper(v)
	}
	for k, v := range s.alerts {
		c.alerts[k] = copyAlert(v)
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is an in-memory storage.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Begin locks the store until the returned unit of work ends.
func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &UnitOfWork{store: s, work: s.state.clone()}, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// UnitOfWork is a snapshot transaction over Store.
type UnitOfWork struct {
	store *Store
	work  *state
	hooks storage.Hooks
	done  bool
}

func (u *UnitOfWork) KeyValues() storage.KeyValueRepository {
	return kvRepo{u}
}

func (u *UnitOfWork) Transfers() storage.TransferRepository {
	return transferRepo{u}
}

func (u *UnitOfWork) BidiTransfers() storage.BidiTransferRepository {
	return bidiRepo{u}
}

func (u *UnitOfWork) FastBTCIn() storage.FastBTCInRepository {
	return fastBTCInRepo{u}
}

func (u *UnitOfWork) Bookkeepers() storage.BookkeeperRepository {
	return bookkeeperRepo{u}
}

func (u *UnitOfWork) Traces() storage.TraceRepository {
	return traceRepo{u}
}

func (u *UnitOfWork) Alerts() storage.AlertRepository {
	return alertRepo{u}
}

func (u *UnitOfWork) Replenisher() storage.ReplenisherRepository {
	return replenisherRepo{u}
}

func (u *UnitOfWork) AfterCommit(fn func()) {
	u.hooks.Add(fn)
}

// Commit publishes the working state and runs after-commit hooks.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return storage.ErrTxDone
	}
	u.done = true
	u.store.state = u.work
	u.store.mu.Unlock()
	u.hooks.Run()
	return nil
}

// Rollback discards the working state. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.hooks.Reset()
	u.store.mu.Unlock()
	return nil
}

func (u *UnitOfWork) check() error {
	if u.done {
		return storage.ErrTxDone
	}
	return nil
}

// -----------------------------------------------------------------------------
// Key/value
// -----------------------------------------------------------------------------

type kvRepo struct{ u *UnitOfWork }

func (r kvRepo) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := r.u.check(); err != nil {
		return nil, false, err
	}
	v, ok := r.u.work.kv[key]
	return slices.Clone(v), ok, nil
}

func (r kvRepo) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := r.u.check(); err != nil {
		return err
	}
	r.u.work.kv[key] = slices.Clone(value)
	return nil
}

func (r kvRepo) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for k, v := range r.u.work.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = slices.Clone(v)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Token bridge transfers
// -----------------------------------------------------------------------------

type transferRepo struct{ u *UnitOfWork }

func (r transferRepo) Get(ctx context.Context, key domain.TransferKey) (*domain.Transfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	return copyTransfer(r.u.work.transfers[key]), nil
}

func (r transferRepo) Insert(ctx context.Context, t *domain.Transfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.work.transfers[t.Key()]; ok {
		return storage.ErrDuplicate
	}
	t.ID = r.u.work.id()
	r.u.work.transfers[t.Key()] = copyTransfer(t)
	return nil
}

func (r transferRepo) Update(ctx context.Context, t *domain.Transfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.work.transfers[t.Key()]; !ok {
		return storage.ErrNotFound
	}
	r.u.work.transfers[t.Key()] = copyTransfer(t)
	return nil
}

func (r transferRepo) ListUnprocessed(ctx context.Context) ([]*domain.Transfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []*domain.Transfer
	for _, t := range r.u.work.transfers {
		if !t.WasProcessed {
			out = append(out, copyTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Bidirectional FastBTC
// -----------------------------------------------------------------------------

type bidiRepo struct{ u *UnitOfWork }

func (r bidiRepo) Get(ctx context.Context, chain domain.ChainName, transferID string) (*domain.BidiTransfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	return copyBidi(r.u.work.bidi[bidiKey{chain, transferID}]), nil
}

func (r bidiRepo) Insert(ctx context.Context, t *domain.BidiTransfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	key := bidiKey{t.Chain, t.TransferID}
	if _, ok := r.u.work.bidi[key]; ok {
		return storage.ErrDuplicate
	}
	t.ID = r.u.work.id()
	r.u.work.bidi[key] = copyBidi(t)
	return nil
}

func (r bidiRepo) Update(ctx context.Context, t *domain.BidiTransfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	key := bidiKey{t.Chain, t.TransferID}
	if _, ok := r.u.work.bidi[key]; !ok {
		return storage.ErrNotFound
	}
	r.u.work.bidi[key] = copyBidi(t)
	return nil
}

func (r bidiRepo) ListUnprocessed(ctx context.Context) ([]*domain.BidiTransfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []*domain.BidiTransfer
	for _, t := range r.u.work.bidi {
		if !t.Status.IsProcessed() {
			out = append(out, copyBidi(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// FastBTC-in
// -----------------------------------------------------------------------------

type fastBTCInRepo struct{ u *UnitOfWork }

func (r fastBTCInRepo) Get(ctx context.Context, chain domain.ChainName, multisigTxID int64) (*domain.FastBTCInTransfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	return copyFastBTCIn(r.u.work.fastBTCIn[fastBTCInKey{chain, multisigTxID}]), nil
}

func (r fastBTCInRepo) Insert(ctx context.Context, t *domain.FastBTCInTransfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	key := fastBTCInKey{t.Chain, t.MultisigTxID}
	if _, ok := r.u.work.fastBTCIn[key]; ok {
		return storage.ErrDuplicate
	}
	t.ID = r.u.work.id()
	r.u.work.fastBTCIn[key] = copyFastBTCIn(t)
	return nil
}

func (r fastBTCInRepo) Update(ctx context.Context, t *domain.FastBTCInTransfer) error {
	if err := r.u.check(); err != nil {
		return err
	}
	key := fastBTCInKey{t.Chain, t.MultisigTxID}
	if _, ok := r.u.work.fastBTCIn[key]; !ok {
		return storage.ErrNotFound
	}
	r.u.work.fastBTCIn[key] = copyFastBTCIn(t)
	return nil
}

func (r fastBTCInRepo) ListUnprocessed(ctx context.Context) ([]*domain.FastBTCInTransfer, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []*domain.FastBTCInTransfer
	for _, t := range r.u.work.fastBTCIn {
		if !t.Status.IsProcessed() {
			out = append(out, copyFastBTCIn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Bookkeepers and traces
// -----------------------------------------------------------------------------

type bookkeeperRepo struct{ u *UnitOfWork }

func (r bookkeeperRepo) Get(ctx context.Context, address string) (*domain.AddressBookkeeper, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	return copyBookkeeper(r.u.work.bookkeepers[strings.ToLower(address)]), nil
}

func (r bookkeeperRepo) Insert(ctx context.Context, b *domain.AddressBookkeeper) (bool, error) {
	if err := r.u.check(); err != nil {
		return false, err
	}
	if _, ok := r.u.work.bookkeepers[b.Address]; ok {
		return false, nil
	}
	r.u.work.bookkeepers[b.Address] = copyBookkeeper(b)
	return true, nil
}

func (r bookkeeperRepo) UpdateCursors(ctx context.Context, b *domain.AddressBookkeeper) error {
	if err := r.u.check(); err != nil {
		return err
	}
	stored, ok := r.u.work.bookkeepers[b.Address]
	if !ok {
		return storage.ErrNotFound
	}
	stored.LowestScanned = b.LowestScanned
	stored.NextToScanHigh = b.NextToScanHigh
	stored.UpdatedOn = b.UpdatedOn
	return nil
}

func (r bookkeeperRepo) Delete(ctx context.Context, address string) error {
	if err := r.u.check(); err != nil {
		return err
	}
	delete(r.u.work.bookkeepers, strings.ToLower(address))
	return nil
}

func (r bookkeeperRepo) List(ctx context.Context) ([]*domain.AddressBookkeeper, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	out := make([]*domain.AddressBookkeeper, 0, len(r.u.work.bookkeepers))
	for _, b := range r.u.work.bookkeepers {
		out = append(out, copyBookkeeper(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

type traceRepo struct{ u *UnitOfWork }

func (r traceRepo) Exists(ctx context.Context, txHash string, traceIndex int) (bool, error) {
	if err := r.u.check(); err != nil {
		return false, err
	}
	_, ok := r.u.work.traces[traceKey{txHash, traceIndex}]
	return ok, nil
}

// Insert stores a copy of rec. Trace records are never modified afterwards,
// so the state clone shares them.
func (r traceRepo) Insert(ctx context.Context, rec *domain.TraceRecord) (bool, error) {
	if err := r.u.check(); err != nil {
		return false, err
	}
	key := traceKey{rec.TxHash, rec.TraceIndex}
	if _, ok := r.u.work.traces[key]; ok {
		return false, nil
	}
	c := *rec
	c.Value = cloneBig(rec.Value)
	c.Raw = slices.Clone(rec.Raw)
	r.u.work.traces[key] = &c
	return true, nil
}

func (r traceRepo) NetValue(ctx context.Context, address string, fromBlock, toBlock uint64) (*big.Int, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	address = strings.ToLower(address)
	net := new(big.Int)
	for _, t := range r.u.work.traces {
		if t.Error != "" || t.Value == nil || t.BlockNumber < fromBlock || t.BlockNumber > toBlock {
			continue
		}
		if t.ToAddress == address {
			net.Add(net, t.Value)
		}
		if t.FromAddress == address {
			net.Sub(net, t.Value)
		}
	}
	return net, nil
}

// -----------------------------------------------------------------------------
// Alerts and replenisher
// -----------------------------------------------------------------------------

type alertRepo struct{ u *UnitOfWork }

func (r alertRepo) ListUnresolved(ctx context.Context, alertType domain.AlertType) ([]*domain.Alert, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []*domain.Alert
	for _, a := range r.u.work.alerts {
		if a.Type == alertType && !a.Resolved {
			out = append(out, copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r alertRepo) Insert(ctx context.Context, a *domain.Alert) error {
	if err := r.u.check(); err != nil {
		return err
	}
	a.ID = r.u.work.id()
	r.u.work.alerts[a.ID] = copyAlert(a)
	return nil
}

func (r alertRepo) Update(ctx context.Context, a *domain.Alert) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.work.alerts[a.ID]; !ok {
		return storage.ErrNotFound
	}
	r.u.work.alerts[a.ID] = copyAlert(a)
	return nil
}

type replenisherRepo struct{ u *UnitOfWork }

func (r replenisherRepo) Insert(ctx context.Context, tx *domain.ReplenisherTx) (bool, error) {
	if err := r.u.check(); err != nil {
		return false, err
	}
	key := replenisherKey{tx.ConfigChain, tx.TransactionID}
	if _, ok := r.u.work.replenisher[key]; ok {
		return false, nil
	}
	c := *tx
	c.RawData = slices.Clone(tx.RawData)
	r.u.work.replenisher[key] = &c
	return true, nil
}

// -----------------------------------------------------------------------------
// Copies
// -----------------------------------------------------------------------------

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyRef(r *domain.EventRef) *domain.EventRef {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func copyTransfer(t *domain.Transfer) *domain.Transfer {
	if t == nil {
		return nil
	}
	c := *t
	c.AmountWei = cloneBig(t.AmountWei)
	c.Executed = copyRef(t.Executed)
	return &c
}

func copyBidi(t *domain.BidiTransfer) *domain.BidiTransfer {
	if t == nil {
		return nil
	}
	c := *t
	c.MarkedAsSending = copyRef(t.MarkedAsSending)
	c.MarkedAsMined = copyRef(t.MarkedAsMined)
	c.RefundedOrReclaimed = copyRef(t.RefundedOrReclaimed)
	return &c
}

func copyFastBTCIn(t *domain.FastBTCInTransfer) *domain.FastBTCInTransfer {
	if t == nil {
		return nil
	}
	c := *t
	c.NetAmountWei = cloneBig(t.NetAmountWei)
	c.FeeWei = cloneBig(t.FeeWei)
	c.Submission = copyRef(t.Submission)
	c.Executed = copyRef(t.Executed)
	c.Extra = domain.FastBTCInExtra{
		Confirmations:     slices.Clone(t.Extra.Confirmations),
		Revocations:       slices.Clone(t.Extra.Revocations),
		ExecutionFailures: slices.Clone(t.Extra.ExecutionFailures),
	}
	return &c
}

func copyBookkeeper(b *domain.AddressBookkeeper) *domain.AddressBookkeeper {
	if b == nil {
		return nil
	}
	c := *b
	if b.End != nil {
		end := *b.End
		c.End = &end
	}
	return &c
}

func copyAlert(a *domain.Alert) *domain.Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.LastMessageSentOn != nil {
		sent := *a.LastMessageSentOn
		c.LastMessageSentOn = &sent
	}
	return &c
}
