package evm

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeContract answers eth_call by decoding the selector against an ABI.
type fakeContract struct {
	abi     abi.ABI
	respond func(method string, args []any) ([]any, error)
	seen    map[string][]any
}

func (f *fakeContract) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	method, err := f.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	if f.seen == nil {
		f.seen = make(map[string][]any)
	}
	f.seen[method.Name] = args
	out, err := f.respond(method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

var (
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testReceiver = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testBridge   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func crossLog(t *testing.T) types.Log {
	t.Helper()
	ev := BridgeABI.Events["Cross"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1000), "DAIes", []byte{0xde, 0xad}, uint8(18), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack cross: %v", err)
	}
	return types.Log{
		Address:     testBridge,
		Topics:      []common.Hash{CrossTopic, common.BytesToHash(testToken.Bytes()), common.BytesToHash(testReceiver.Bytes())},
		Data:        data,
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0xb1"),
		TxHash:      common.HexToHash("0xa1"),
		Index:       3,
	}
}

func TestParseCross(t *testing.T) {
	ev, err := ParseCross(crossLog(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TokenAddress != testToken || ev.To != testReceiver {
		t.Errorf("unexpected addresses: %s %s", ev.TokenAddress.Hex(), ev.To.Hex())
	}
	if ev.Amount.Int64() != 1000 || ev.Symbol != "DAIes" || ev.Decimals != 18 || ev.Granularity.Int64() != 1 {
		t.Errorf("unexpected values: %+v", ev)
	}
	if fmt.Sprintf("%x", ev.UserData) != "dead" {
		t.Errorf("expected user data dead, got %x", ev.UserData)
	}
}

func TestParseCross_WrongEvent(t *testing.T) {
	log := crossLog(t)
	log.Topics[0] = ExecutedTopic
	if _, err := ParseCross(log); err == nil {
		t.Error("expected error for non-Cross log")
	}
}

func TestFederation_TransactionIDs(t *testing.T) {
	idU := common.HexToHash("0x1234")
	idOld := common.HexToHash("0x5678")
	fake := &fakeContract{
		abi: FederationABI,
		respond: func(method string, args []any) ([]any, error) {
			switch method {
			case "getTransactionIdU":
				return []any{[32]byte(idU)}, nil
			case "getTransactionId":
				return []any{[32]byte(idOld)}, nil
			case "getTransactionCount":
				return []any{big.NewInt(3)}, nil
			case "transactionWasProcessed":
				return []any{true}, nil
			}
			return nil, fmt.Errorf("unexpected method %s", method)
		},
	}
	fed := NewFederation(fake, common.HexToAddress("0xfed"))
	ev, err := ParseCross(crossLog(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	got, err := fed.TransactionIDU(ctx, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != idU {
		t.Errorf("expected %s, got %s", idU.Hex(), got.Hex())
	}
	args := fake.seen["getTransactionIdU"]
	if len(args) != 10 {
		t.Fatalf("expected 10 arguments, got %d", len(args))
	}
	if args[6].(uint32) != 3 {
		t.Errorf("expected log index 3, got %v", args[6])
	}
	if fmt.Sprintf("%x", args[9]) != "dead" {
		t.Errorf("expected user data as last argument, got %x", args[9])
	}

	old, err := fed.TransactionID(ctx, ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old != idOld {
		t.Errorf("expected %s, got %s", idOld.Hex(), old.Hex())
	}
	if len(fake.seen["getTransactionId"]) != 9 {
		t.Errorf("expected 9 legacy arguments, got %d", len(fake.seen["getTransactionId"]))
	}

	votes, err := fed.TransactionCount(ctx, idU)
	if err != nil || votes != 3 {
		t.Errorf("expected 3 votes, got %d (%v)", votes, err)
	}
	processed, err := fed.WasProcessed(ctx, idU)
	if err != nil || !processed {
		t.Errorf("expected processed, got %v (%v)", processed, err)
	}
}

func TestFirstErrorTokenReceiver(t *testing.T) {
	ev := BridgeABI.Events["ErrorTokenReceiver"]
	first, _ := ev.Inputs.NonIndexed().Pack([]byte{0x01})
	second, _ := ev.Inputs.NonIndexed().Pack([]byte{0x02})
	other := common.HexToAddress("0x0999")

	logs := []types.Log{
		{Address: other, Topics: []common.Hash{ErrorTokenReceiverTopic}, Data: first},
		{Address: testBridge, Topics: []common.Hash{ExecutedTopic}},
		{Address: testBridge, Topics: []common.Hash{ErrorTokenReceiverTopic}, Data: second},
		{Address: testBridge, Topics: []common.Hash{ErrorTokenReceiverTopic}, Data: first},
	}
	data, ok, err := FirstErrorTokenReceiver(testBridge, logs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || fmt.Sprintf("%x", data) != "02" {
		t.Errorf("expected first bridge error payload 02, got %x (found=%v)", data, ok)
	}

	if _, ok, _ := FirstErrorTokenReceiver(testBridge, logs[:2]); ok {
		t.Error("expected no error event from bridge")
	}
}

func TestParseFastBTCEvents(t *testing.T) {
	transferID := common.HexToHash("0xfeed")
	rsk := common.HexToAddress("0x0abc")

	newEv := FastBTCBridgeABI.Events["NewBitcoinTransfer"]
	data, err := newEv.Inputs.NonIndexed().Pack("bc1qaddr", big.NewInt(7), big.NewInt(100000), big.NewInt(500))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	created, err := ParseNewBitcoinTransfer(types.Log{
		Topics: []common.Hash{NewBitcoinTransferTopic, transferID, common.BytesToHash(rsk.Bytes())},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.TransferID != transferID || created.RSKAddress != rsk || created.BTCAddress != "bc1qaddr" {
		t.Errorf("unexpected transfer: %+v", created)
	}
	if created.AmountSatoshi.Int64() != 100000 || created.FeeSatoshi.Int64() != 500 {
		t.Errorf("unexpected amounts: %s %s", created.AmountSatoshi, created.FeeSatoshi)
	}

	batchEv := FastBTCBridgeABI.Events["BitcoinTransferBatchSending"]
	btcHash := common.HexToHash("0xbeef")
	data, _ = batchEv.Inputs.NonIndexed().Pack([32]byte(btcHash), uint8(3))
	batch, err := ParseBatchSending(types.Log{Topics: []common.Hash{BitcoinTransferBatchSendingTopic}, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.BitcoinTxHash != btcHash || batch.TransferBatchSize != 3 {
		t.Errorf("unexpected batch: %+v", batch)
	}

	statusEv := FastBTCBridgeABI.Events["BitcoinTransferStatusUpdated"]
	data, _ = statusEv.Inputs.NonIndexed().Pack(uint8(2))
	status, err := ParseStatusUpdated(types.Log{Topics: []common.Hash{BitcoinTransferStatusUpdatedTopic, transferID}, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.TransferID != transferID || status.NewStatus != 2 {
		t.Errorf("unexpected status update: %+v", status)
	}
}

func TestParseMultiSigEvent(t *testing.T) {
	signer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	confirmation := types.Log{
		Topics: []common.Hash{
			EventTopic(MultiSigABI, EventConfirmation),
			common.BytesToHash(signer.Bytes()),
			common.BigToHash(big.NewInt(42)),
		},
	}
	ev, ok, err := ParseMultiSigEvent(confirmation)
	if err != nil || !ok {
		t.Fatalf("expected tracked event, got ok=%v err=%v", ok, err)
	}
	if ev.Name != EventConfirmation || ev.Sender != signer || ev.TransactionID.Int64() != 42 {
		t.Errorf("unexpected event: %+v", ev)
	}

	execution := types.Log{Topics: []common.Hash{EventTopic(MultiSigABI, EventExecution), common.BigToHash(big.NewInt(42))}}
	ev, ok, err = ParseMultiSigEvent(execution)
	if err != nil || !ok || ev.Name != EventExecution {
		t.Errorf("expected Execution, got %+v ok=%v err=%v", ev, ok, err)
	}

	ownerAddition := types.Log{Topics: []common.Hash{common.HexToHash("0x1234"), common.BytesToHash(signer.Bytes())}}
	if _, ok, err := ParseMultiSigEvent(ownerAddition); ok || err != nil {
		t.Errorf("expected untracked event to be skipped, got ok=%v err=%v", ok, err)
	}

	if len(MultiSigTopics()) != 5 {
		t.Errorf("expected 5 multisig topics, got %d", len(MultiSigTopics()))
	}
}

func TestMultiSig_Transaction(t *testing.T) {
	wallet := common.HexToAddress("0x0000000000000000000000000000000000000077")
	fake := &fakeContract{
		abi: MultiSigABI,
		respond: func(method string, args []any) ([]any, error) {
			if args[0].(*big.Int).Int64() != 9 {
				return nil, fmt.Errorf("unexpected id %v", args[0])
			}
			return []any{wallet, big.NewInt(0), []byte{0x01, 0x02, 0x03, 0x04}, true}, nil
		},
	}
	tx, err := NewMultiSig(fake, common.HexToAddress("0x05")).Transaction(context.Background(), big.NewInt(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Destination != wallet || !tx.Executed || len(tx.Data) != 4 {
		t.Errorf("unexpected transaction: %+v", tx)
	}
}

func TestDecodeWalletCall(t *testing.T) {
	btcHash := common.HexToHash("0xbeef")
	data, err := ManagedWalletABI.Pack(FuncTransferToUser, testReceiver, big.NewInt(1000), big.NewInt(10), [32]byte(btcHash), big.NewInt(1))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	call, ok, err := DecodeWalletCall(data)
	if err != nil || !ok {
		t.Fatalf("expected decoded call, got ok=%v err=%v", ok, err)
	}
	if call.Function != FuncTransferToUser || call.Receiver != testReceiver {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.Amount.Int64() != 1000 || call.Fee.Int64() != 10 || call.BTCTxVout.Int64() != 1 {
		t.Errorf("unexpected amounts: %+v", call)
	}
	if call.BTCTxHash == nil || *call.BTCTxHash != btcHash {
		t.Errorf("expected btc hash %s, got %v", btcHash.Hex(), call.BTCTxHash)
	}

	data, _ = ManagedWalletABI.Pack(FuncWithdrawAdmin, testReceiver, big.NewInt(5))
	call, ok, err = DecodeWalletCall(data)
	if err != nil || !ok {
		t.Fatalf("expected decoded call, got ok=%v err=%v", ok, err)
	}
	if call.Fee != nil || call.BTCTxHash != nil {
		t.Errorf("expected no fee or btc hash for admin withdrawal, got %+v", call)
	}

	if _, ok, err := DecodeWalletCall([]byte{0xde, 0xad, 0xbe, 0xef}); ok || err != nil {
		t.Errorf("expected unknown selector to be skipped, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := DecodeWalletCall(nil); ok {
		t.Error("expected empty data to be skipped")
	}
}
