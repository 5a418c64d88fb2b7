package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/fetcher"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/chaintest"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/memory"
)

var (
	rskBridge  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	rskFed     = common.HexToAddress("0x1000000000000000000000000000000000000002")
	ethBridge  = common.HexToAddress("0x2000000000000000000000000000000000000001")
	ethFed     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	token      = common.HexToAddress("0x3000000000000000000000000000000000000003")
	receiver   = common.HexToAddress("0x4000000000000000000000000000000000000004")
	depositor  = common.HexToAddress("0x5000000000000000000000000000000000000005")
	transferID = common.HexToHash("0xaaaa")
	legacyID   = common.HexToHash("0xbbbb")
	depositTx  = common.HexToHash("0xd1")
	depositAt  = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

// federation is a scriptable federation contract.
type federation struct {
	mu        sync.Mutex
	votes     int64
	processed bool
	revertU   bool
	calls     map[string]int
}

func (f *federation) call(method string, args []any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	switch method {
	case "getTransactionIdU":
		if f.revertU {
			return nil, errors.New("execution reverted")
		}
		return []any{[32]byte(transferID)}, nil
	case "getTransactionId":
		return []any{[32]byte(legacyID)}, nil
	case "getTransactionCount":
		return []any{big.NewInt(f.votes)}, nil
	case "transactionWasProcessed":
		return []any{f.processed}, nil
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (f *federation) set(votes int64, processed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = votes
	f.processed = processed
}

type fixture struct {
	rsk, eth *chaintest.FakeEVM
	fed      *federation
	store    *memory.Store
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rsk:   chaintest.NewFakeEVM(domain.ChainRSKMainnet, 200),
		eth:   chaintest.NewFakeEVM(domain.ChainETHMainnet, 1100),
		fed:   &federation{votes: 1},
		store: memory.NewStore(),
	}
	f.eth.SetContract(ethFed, evm.FederationABI, f.fed.call)
	f.rsk.SetContract(rskFed, evm.FederationABI, func(method string, args []any) ([]any, error) {
		return nil, fmt.Errorf("unexpected call %s on rsk federation", method)
	})

	cfg := Config{
		Name:             "rsk_eth_mainnet",
		RSK:              Side{Chain: domain.ChainRSKMainnet, BridgeAddress: rskBridge, FederationAddress: rskFed, StartBlock: 50},
		Other:            Side{Chain: domain.ChainETHMainnet, BridgeAddress: ethBridge, FederationAddress: ethFed, StartBlock: 1000},
		MinConfirmations: 5,
		MaxBlocks:        1000,
	}
	clients := chain.Clients{domain.ChainRSKMainnet: f.rsk, domain.ChainETHMainnet: f.eth}
	f.rec = New(cfg, f.store, clients).WithRetryPolicies(
		chaintest.NoSleep(routing.FetchPolicy),
		chaintest.NoSleep(routing.RetryPolicy{Name: "lookup", MaxRetries: 2, Retryable: routing.IsRetryable}),
	)
	f.rec.now = func() time.Time { return depositAt.Add(time.Hour) }
	return f
}

func (f *fixture) addDeposit(t *testing.T, block uint64) {
	t.Helper()
	ev := evm.BridgeABI.Events["Cross"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(5000), "DAIes", []byte{0xde, 0xad}, uint8(18), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack cross: %v", err)
	}
	f.rsk.AddLog(types.Log{
		Address:     rskBridge,
		Topics:      []common.Hash{evm.CrossTopic, common.BytesToHash(token.Bytes()), common.BytesToHash(receiver.Bytes())},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      depositTx,
		Index:       1,
	}, depositAt)
	f.rsk.AddReceipt(depositTx, depositor)
}

func (f *fixture) addExecution(t *testing.T, block uint64, errorData []byte) {
	t.Helper()
	execTx := common.HexToHash("0xe1")
	l := types.Log{
		Address:     ethFed,
		Topics:      []common.Hash{evm.ExecutedTopic, transferID},
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block + 1_000_000)),
		TxHash:      execTx,
		Index:       4,
	}
	f.eth.AddLog(l, depositAt.Add(10*time.Minute))

	var receiptLogs []types.Log
	if errorData != nil {
		data, err := evm.BridgeABI.Events["ErrorTokenReceiver"].Inputs.NonIndexed().Pack(errorData)
		if err != nil {
			t.Fatalf("pack error event: %v", err)
		}
		receiptLogs = append(receiptLogs, types.Log{Address: ethBridge, Topics: []common.Hash{evm.ErrorTokenReceiverTopic}, Data: data})
	}
	f.eth.AddReceipt(execTx, common.HexToAddress("0x99"), append(receiptLogs, l)...)
}

func (f *fixture) transfer(t *testing.T) *domain.Transfer {
	t.Helper()
	var out *domain.Transfer
	err := storage.InTx(context.Background(), f.store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = uow.Transfers().Get(context.Background(), domain.TransferKey{
			TransactionID: transferID.Hex(),
			FromChain:     domain.ChainRSKMainnet,
			ToChain:       domain.ChainETHMainnet,
		})
		return err
	})
	if err != nil {
		t.Fatalf("read transfer: %v", err)
	}
	return out
}

func (f *fixture) checkpoint(t *testing.T, chainName domain.ChainName) int64 {
	t.Helper()
	var out int64
	err := storage.InTx(context.Background(), f.store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = checkpoint.New(uow.KeyValues()).Block(context.Background(), checkpoint.BridgeBlockKey("rsk_eth_mainnet", chainName), -100)
		return err
	})
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	return out
}

func TestRun_UnprocessedDepositHoldsCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.addDeposit(t, 100)

	res, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transfers != 1 || res.Created != 1 {
		t.Errorf("expected 1 created transfer, got %+v", res)
	}

	tr := f.transfer(t)
	if tr == nil {
		t.Fatal("expected transfer to be stored")
	}
	if tr.WasProcessed {
		t.Error("expected transfer to be unprocessed")
	}
	if tr.TransactionIDOld != legacyID.Hex() {
		t.Errorf("expected old id %s, got %s", legacyID.Hex(), tr.TransactionIDOld)
	}
	if tr.DepositorAddress != depositor.Hex() || tr.ReceiverAddress != receiver.Hex() || tr.TokenAddress != token.Hex() {
		t.Errorf("unexpected addresses: %+v", tr)
	}
	if tr.UserData != "0xdead" || tr.TokenSymbol != "DAIes" || tr.TokenDecimals != 18 || tr.AmountWei.Int64() != 5000 {
		t.Errorf("unexpected deposit data: %+v", tr)
	}
	if tr.NumVotes != 1 || tr.Executed != nil || tr.ErrorData != domain.DefaultErrorData {
		t.Errorf("unexpected mutable state: %+v", tr)
	}
	if !tr.Event.BlockTimestamp.Equal(depositAt) || tr.Event.BlockNumber != 100 || tr.Event.LogIndex != 1 {
		t.Errorf("unexpected event location: %+v", tr.Event)
	}

	if cp := f.checkpoint(t, domain.ChainRSKMainnet); cp != 99 {
		t.Errorf("expected rsk checkpoint 99, got %d", cp)
	}
	if cp := f.checkpoint(t, domain.ChainETHMainnet); cp != 1095 {
		t.Errorf("expected eth checkpoint 1095, got %d", cp)
	}
}

func TestRun_ExecutionUpdatesTransferAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addDeposit(t, 100)
	if _, err := f.rec.Run(context.Background()); err != nil {
		t.Fatalf("first round: %v", err)
	}
	created := f.transfer(t)

	// Execution lands on the counterpart chain after the first round.
	f.eth.SetHead(1110)
	f.addExecution(t, 1098, []byte{0x01, 0x02})
	f.fed.set(2, true)
	f.rec.now = func() time.Time { return depositAt.Add(2 * time.Hour) }

	res, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("second round: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 {
		t.Errorf("expected one update, got %+v", res)
	}
	tr := f.transfer(t)
	if !tr.WasProcessed || tr.NumVotes != 2 {
		t.Errorf("expected processed transfer with 2 votes, got %+v", tr)
	}
	if tr.Executed == nil || tr.Executed.BlockNumber != 1098 || tr.Executed.LogIndex != 4 {
		t.Fatalf("expected executed event at 1098, got %+v", tr.Executed)
	}
	if !tr.HasErrorTokenReceiverEvents || tr.ErrorData != "0x0102" {
		t.Errorf("expected error data 0x0102, got %v %s", tr.HasErrorTokenReceiverEvents, tr.ErrorData)
	}
	if !tr.UpdatedOn.After(created.UpdatedOn) {
		t.Errorf("expected updated_on to move past %s, got %s", created.UpdatedOn, tr.UpdatedOn)
	}
	if !tr.CreatedOn.Equal(created.CreatedOn) {
		t.Errorf("expected created_on to stay %s, got %s", created.CreatedOn, tr.CreatedOn)
	}
	if cp := f.checkpoint(t, domain.ChainRSKMainnet); cp != 195 {
		t.Errorf("expected rsk checkpoint 195, got %d", cp)
	}

	// Rerunning with nothing new changes nothing.
	f.rec.now = func() time.Time { return depositAt.Add(3 * time.Hour) }
	res, err = f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("third round: %v", err)
	}
	if res.Created != 0 || res.Updated != 0 {
		t.Errorf("expected no changes, got %+v", res)
	}
	if again := f.transfer(t); !again.UpdatedOn.Equal(tr.UpdatedOn) {
		t.Errorf("expected updated_on to stay %s, got %s", tr.UpdatedOn, again.UpdatedOn)
	}
}

func TestRun_RerunSameWindowIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addDeposit(t, 100)
	for i := 0; i < 3; i++ {
		if _, err := f.rec.Run(context.Background()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	var count int
	err := storage.InTx(context.Background(), f.store, func(uow storage.UnitOfWork) error {
		list, err := uow.Transfers().ListUnprocessed(context.Background())
		count = len(list)
		return err
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one stored transfer, got %d", count)
	}
	if cp := f.checkpoint(t, domain.ChainRSKMainnet); cp != 99 {
		t.Errorf("expected rsk checkpoint to stay 99, got %d", cp)
	}
}

func TestRun_FetchFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.addDeposit(t, 100)
	f.rsk.FailLogs = func(q evm.LogQuery) error {
		return errors.New("connection refused")
	}

	if _, err := f.rec.Run(context.Background()); err == nil {
		t.Fatal("expected round to fail")
	}
	if tr := f.transfer(t); tr != nil {
		t.Errorf("expected no transfer, got %+v", tr)
	}
	if cp := f.checkpoint(t, domain.ChainRSKMainnet); cp != 49 {
		t.Errorf("expected checkpoint to stay at 49, got %d", cp)
	}
}

func TestRun_InconsistencyIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.addDeposit(t, 100)
	calls := 0
	f.rsk.FailLogs = func(q evm.LogQuery) error {
		if q.Addresses[0] != rskBridge {
			return nil
		}
		calls++
		return domain.Inconsistentf("removed log")
	}

	_, err := f.rec.Run(context.Background())
	if !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestIdentify_LegacyFallback(t *testing.T) {
	tests := []struct {
		name         string
		fallback     bool
		wantErr      bool
		wantStrategy IDStrategy
		wantID       common.Hash
	}{
		{"fallback disabled", false, true, "", common.Hash{}},
		{"fallback enabled", true, false, StrategyLegacy, legacyID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fed := &federation{revertU: true}
			client := chaintest.NewFakeEVM(domain.ChainETHMainnet, 0)
			client.SetContract(ethFed, evm.FederationABI, fed.call)
			ids := identifier{
				federation:     evm.NewFederation(client, ethFed),
				policy:         chaintest.NoSleep(routing.RetryPolicy{Name: "test", MaxRetries: 3}),
				legacyFallback: tt.fallback,
			}
			ev := &evm.CrossEvent{TokenAddress: token, To: receiver, Amount: big.NewInt(1), Granularity: big.NewInt(1)}

			got, err := ids.identify(context.Background(), ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got.Strategy != tt.wantStrategy || got.ID != tt.wantID {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantStrategy, tt.wantID.Hex(), got.Strategy, got.ID.Hex())
			}
			if tt.fallback && fed.calls["getTransactionIdU"] != 1 {
				t.Errorf("expected revert not to be retried, got %d calls", fed.calls["getTransactionIdU"])
			}
		})
	}
}

func TestNextCheckpoint(t *testing.T) {
	unprocessed := func(block uint64) *domain.Transfer {
		return &domain.Transfer{Event: domain.EventRef{BlockNumber: block}}
	}
	processed := func(block uint64) *domain.Transfer {
		return &domain.Transfer{WasProcessed: true, Event: domain.EventRef{BlockNumber: block}}
	}

	tests := []struct {
		name      string
		prev      int64
		window    fetcher.Window
		transfers []*domain.Transfer
		want      int64
	}{
		{"no transfers", 49, fetcher.Window{From: 50, To: 195}, nil, 195},
		{"all processed", 49, fetcher.Window{From: 50, To: 195}, []*domain.Transfer{processed(60), processed(190)}, 195},
		{"oldest unprocessed wins", 49, fetcher.Window{From: 50, To: 195}, []*domain.Transfer{processed(60), unprocessed(150), unprocessed(100)}, 99},
		{"never lowered", 120, fetcher.Window{From: 121, To: 195}, []*domain.Transfer{unprocessed(100)}, 120},
		{"empty window", 195, fetcher.Window{From: 196, To: 195}, nil, 195},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextCheckpoint(tt.prev, tt.window, tt.transfers); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
