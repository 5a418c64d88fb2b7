package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Multisig lifecycle events, in the order they normally occur.
const (
	EventSubmission       = "Submission"
	EventConfirmation     = "Confirmation"
	EventRevocation       = "Revocation"
	EventExecution        = "Execution"
	EventExecutionFailure = "ExecutionFailure"
)

var multiSigEvents = []string{
	EventSubmission,
	EventConfirmation,
	EventRevocation,
	EventExecution,
	EventExecutionFailure,
}

// MultiSigTopics returns the topic0 values of all tracked multisig events,
// for use as a single eth_getLogs topic alternative.
func MultiSigTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(multiSigEvents))
	for _, name := range multiSigEvents {
		topics = append(topics, EventTopic(MultiSigABI, name))
	}
	return topics
}

// MultiSigEvent is one of the tracked multisig lifecycle events. Sender is
// set for confirmations and revocations only.
type MultiSigEvent struct {
	Name          string
	TransactionID *big.Int
	Sender        common.Address
	Log           types.Log
}

// ParseMultiSigEvent decodes log. It reports false for events the monitor
// does not track, such as owner changes.
func ParseMultiSigEvent(log types.Log) (*MultiSigEvent, bool, error) {
	if len(log.Topics) == 0 {
		return nil, false, nil
	}
	ev, err := MultiSigABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, false, nil
	}

	args, err := decodeLog(MultiSigABI, ev.Name, log)
	if err != nil {
		return nil, false, err
	}
	out := &MultiSigEvent{Name: ev.Name, Log: log}
	if out.TransactionID, err = arg[*big.Int](args, "transactionId"); err != nil {
		return nil, false, err
	}
	if ev.Name == EventConfirmation || ev.Name == EventRevocation {
		if out.Sender, err = arg[common.Address](args, "sender"); err != nil {
			return nil, false, err
		}
	}
	return out, true, nil
}

// MultiSigTransaction is a stored multisig transaction.
type MultiSigTransaction struct {
	Destination common.Address
	Value       *big.Int
	Data        []byte
	Executed    bool
}

// MultiSig reads a multisig wallet contract.
type MultiSig struct {
	contract boundContract
}

func NewMultiSig(caller ContractCaller, address common.Address) *MultiSig {
	return &MultiSig{contract: boundContract{caller: caller, address: address, abi: MultiSigABI}}
}

func (m *MultiSig) Address() common.Address {
	return m.contract.address
}

// Transaction returns the transaction stored under id.
func (m *MultiSig) Transaction(ctx context.Context, id *big.Int) (*MultiSigTransaction, error) {
	values, err := m.contract.call(ctx, "transactions", id)
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("transactions returned %d values", len(values))
	}
	tx := &MultiSigTransaction{}
	var ok [4]bool
	tx.Destination, ok[0] = values[0].(common.Address)
	tx.Value, ok[1] = values[1].(*big.Int)
	tx.Data, ok[2] = values[2].([]byte)
	tx.Executed, ok[3] = values[3].(bool)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("transactions value %d has unexpected type %T", i, values[i])
		}
	}
	return tx, nil
}

// Managed wallet functions that release BTC-backed funds on RSK.
const (
	FuncTransferToUser   = "transferToUser"
	FuncWithdrawAdmin    = "withdrawAdmin"
	FuncTransferToBridge = "transferToBridge"
)

// WalletCall is a decoded managed wallet invocation. Fee, BTCTxHash and
// BTCTxVout are only present for user and bridge transfers.
type WalletCall struct {
	Function  string
	Receiver  common.Address
	Amount    *big.Int
	Fee       *big.Int
	BTCTxHash *common.Hash
	BTCTxVout *big.Int
}

// DecodeWalletCall decodes multisig transaction data addressed to the
// managed wallet. It reports false when the data does not call one of the
// monitored functions.
func DecodeWalletCall(data []byte) (*WalletCall, bool, error) {
	if len(data) < 4 {
		return nil, false, nil
	}
	method, err := ManagedWalletABI.MethodById(data[:4])
	if err != nil {
		return nil, false, nil
	}

	args := make(map[string]any)
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s input: %w", method.Name, err)
	}

	call := &WalletCall{Function: method.Name}
	if call.Receiver, err = arg[common.Address](args, "receiver"); err != nil {
		return nil, false, err
	}
	if call.Amount, err = arg[*big.Int](args, "amount"); err != nil {
		return nil, false, err
	}
	if _, ok := args["fee"]; ok {
		if call.Fee, err = arg[*big.Int](args, "fee"); err != nil {
			return nil, false, err
		}
	}
	if _, ok := args["btcTxHash"]; ok {
		hash, err := arg[[32]byte](args, "btcTxHash")
		if err != nil {
			return nil, false, err
		}
		h := common.Hash(hash)
		call.BTCTxHash = &h
	}
	if _, ok := args["btcTxVout"]; ok {
		if call.BTCTxVout, err = arg[*big.Int](args, "btcTxVout"); err != nil {
			return nil, false, err
		}
	}
	return call, true, nil
}
