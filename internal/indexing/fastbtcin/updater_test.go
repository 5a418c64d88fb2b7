package fastbtcin

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/chaintest"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/memory"
)

var (
	multisigAddr = common.HexToAddress("0x0000000000000000000000000000000000000005")
	walletAddr   = common.HexToAddress("0x0000000000000000000000000000000000000077")
	receiver     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	signerA      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signerB      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	btcHash      = common.HexToHash("0xbeef")
	baseTime     = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	t      *testing.T
	client *chaintest.FakeEVM
	store  storage.Store
	txs    map[int64]*evm.MultiSigTransaction
	index  map[uint64]uint
}

func newFixture(t *testing.T, head uint64) *fixture {
	f := &fixture{
		t:      t,
		client: chaintest.NewFakeEVM(domain.ChainRSKMainnet, head),
		store:  memory.NewStore(),
		txs:    make(map[int64]*evm.MultiSigTransaction),
		index:  make(map[uint64]uint),
	}
	f.client.SetContract(multisigAddr, evm.MultiSigABI, func(method string, args []any) ([]any, error) {
		id := args[0].(*big.Int).Int64()
		tx, ok := f.txs[id]
		if !ok {
			return nil, fmt.Errorf("unknown transaction %d", id)
		}
		return []any{tx.Destination, tx.Value, tx.Data, tx.Executed}, nil
	})
	return f
}

// walletTx registers multisig transaction id as a transferToUser call.
func (f *fixture) walletTx(id int64, destination common.Address) {
	data, err := evm.ManagedWalletABI.Pack(evm.FuncTransferToUser,
		receiver, big.NewInt(1_000_000), big.NewInt(2_000), [32]byte(btcHash), big.NewInt(1))
	if err != nil {
		f.t.Fatalf("pack: %v", err)
	}
	f.txs[id] = &evm.MultiSigTransaction{Destination: destination, Value: big.NewInt(0), Data: data}
}

func (f *fixture) event(block uint64, tx common.Hash, name string, id int64, sender *common.Address) {
	topics := []common.Hash{evm.EventTopic(evm.MultiSigABI, name)}
	if sender != nil {
		topics = append(topics, common.BytesToHash(sender.Bytes()))
	}
	topics = append(topics, common.BigToHash(big.NewInt(id)))
	f.client.AddLog(types.Log{
		Address:     multisigAddr,
		Topics:      topics,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      tx,
		Index:       f.index[block],
	}, baseTime.Add(time.Duration(block)*time.Minute))
	f.index[block]++
}

func (f *fixture) run() *Result {
	f.t.Helper()
	u := New(Config{
		Chain:                domain.ChainRSKMainnet,
		MultisigAddress:      multisigAddr,
		ManagedWalletAddress: walletAddr,
		StartBlock:           100,
	}, f.client, f.store).WithRetryPolicies(
		chaintest.NoSleep(routing.FetchPolicy),
		chaintest.NoSleep(routing.LookupPolicy),
	)
	u.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	res, err := u.Run(context.Background())
	if err != nil {
		f.t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func (f *fixture) transfer(id int64) *domain.FastBTCInTransfer {
	f.t.Helper()
	var out *domain.FastBTCInTransfer
	err := storage.InTx(context.Background(), f.store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = uow.FastBTCIn().Get(context.Background(), domain.ChainRSKMainnet, id)
		return err
	})
	if err != nil {
		f.t.Fatalf("get transfer: %v", err)
	}
	return out
}

func (f *fixture) checkpoint() int64 {
	f.t.Helper()
	var out int64
	err := storage.InTx(context.Background(), f.store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = checkpoint.New(uow.KeyValues()).Block(context.Background(), checkpoint.FastBTCInBlockKey(domain.ChainRSKMainnet), -100)
		return err
	})
	if err != nil {
		f.t.Fatalf("read checkpoint: %v", err)
	}
	return out
}

func TestRun_SubmitConfirmRevokeExecute(t *testing.T) {
	f := newFixture(t, 120)
	f.walletTx(7, walletAddr)
	txA, txB, txC, txD := common.HexToHash("0xa"), common.HexToHash("0xb"), common.HexToHash("0xc"), common.HexToHash("0xd")
	f.event(101, txA, evm.EventSubmission, 7, nil)
	f.event(102, txB, evm.EventConfirmation, 7, &signerA)
	f.event(103, txC, evm.EventRevocation, 7, &signerA)
	f.event(104, txD, evm.EventExecution, 7, nil)

	res := f.run()
	if res.Events != 4 || res.Created != 1 || res.Updated != 3 {
		t.Errorf("unexpected result: %+v", res)
	}

	tr := f.transfer(7)
	if tr == nil {
		t.Fatal("expected transfer 7 to be stored")
	}
	if tr.Status != domain.FastBTCInExecuted {
		t.Errorf("expected EXECUTED, got %s", tr.Status)
	}
	if tr.NumConfirmations != 0 || len(tr.Extra.Confirmations) != 0 {
		t.Errorf("expected no active confirmations, got %d", tr.NumConfirmations)
	}
	if len(tr.Extra.Revocations) != 1 {
		t.Fatalf("expected 1 revocation, got %d", len(tr.Extra.Revocations))
	}
	rev := tr.Extra.Revocations[0]
	wantSigner := strings.ToLower(signerA.Hex())
	if rev.Signer != wantSigner || rev.TxHash != txC.Hex() {
		t.Errorf("unexpected revocation: %+v", rev)
	}
	if rev.Revoked.Signer != wantSigner || rev.Revoked.TxHash != txB.Hex() {
		t.Errorf("expected revocation to link confirmation from %s, got %+v", txB.Hex(), rev.Revoked)
	}
	if tr.Submission == nil || tr.Submission.BlockNumber != 101 || tr.Submission.TxHash != txA.Hex() {
		t.Errorf("unexpected submission: %+v", tr.Submission)
	}
	if tr.Executed == nil || !tr.Executed.BlockTimestamp.Equal(baseTime.Add(104*time.Minute)) {
		t.Errorf("unexpected execution: %+v", tr.Executed)
	}

	if tr.TransferFunction != evm.FuncTransferToUser || tr.RSKReceiverAddress != receiver.Hex() {
		t.Errorf("unexpected call fields: %s %s", tr.TransferFunction, tr.RSKReceiverAddress)
	}
	if tr.NetAmountWei.Int64() != 1_000_000 || tr.FeeWei.Int64() != 2_000 || tr.BitcoinTxVout != 1 {
		t.Errorf("unexpected amounts: net=%v fee=%v vout=%d", tr.NetAmountWei, tr.FeeWei, tr.BitcoinTxVout)
	}
	if strings.HasPrefix(tr.BitcoinTxHash, "0x") || !strings.HasSuffix(tr.BitcoinTxHash, "beef") {
		t.Errorf("unexpected bitcoin tx hash %q", tr.BitcoinTxHash)
	}

	if cp := f.checkpoint(); cp != 115 {
		t.Errorf("expected checkpoint 115, got %d", cp)
	}
}

func TestRun_IgnoresUnmonitoredTransactions(t *testing.T) {
	f := newFixture(t, 120)
	f.walletTx(8, common.HexToAddress("0x0000000000000000000000000000000000000099"))
	f.txs[9] = &evm.MultiSigTransaction{Destination: walletAddr, Value: big.NewInt(0), Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	f.event(101, common.HexToHash("0xa"), evm.EventSubmission, 8, nil)
	f.event(102, common.HexToHash("0xb"), evm.EventSubmission, 9, nil)

	res := f.run()
	if res.Ignored != 2 || res.Created != 0 {
		t.Errorf("expected 2 ignored events, got %+v", res)
	}
	if f.transfer(8) != nil || f.transfer(9) != nil {
		t.Error("expected unmonitored transactions not to be stored")
	}
	if cp := f.checkpoint(); cp != 115 {
		t.Errorf("expected checkpoint 115, got %d", cp)
	}
}

func TestRun_ContinuesAcrossRounds(t *testing.T) {
	f := newFixture(t, 120)
	f.walletTx(7, walletAddr)
	f.event(101, common.HexToHash("0xa"), evm.EventSubmission, 7, nil)
	f.event(102, common.HexToHash("0xb"), evm.EventConfirmation, 7, &signerA)
	f.run()

	f.event(118, common.HexToHash("0xc"), evm.EventConfirmation, 7, &signerB)
	f.event(119, common.HexToHash("0xd"), evm.EventExecutionFailure, 7, nil)
	f.client.SetHead(130)
	res := f.run()
	if res.Window.From != 116 || res.Window.To != 125 {
		t.Errorf("expected window 116-125, got %+v", res.Window)
	}

	tr := f.transfer(7)
	if tr.Status != domain.FastBTCInPartiallyConfirmed || tr.NumConfirmations != 2 {
		t.Errorf("expected 2 confirmations, got %s with %d", tr.Status, tr.NumConfirmations)
	}
	if !tr.HasExecutionFailure || len(tr.Extra.ExecutionFailures) != 1 {
		t.Errorf("expected execution failure to be recorded, got %+v", tr.Extra.ExecutionFailures)
	}
	if cp := f.checkpoint(); cp != 125 {
		t.Errorf("expected checkpoint 125, got %d", cp)
	}
}
