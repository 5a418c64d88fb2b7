package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	CrossTopic              = EventTopic(BridgeABI, "Cross")
	ErrorTokenReceiverTopic = EventTopic(BridgeABI, "ErrorTokenReceiver")
	ExecutedTopic           = EventTopic(FederationABI, "Executed")
)

// CrossEvent is a token deposit on the bridge contract.
type CrossEvent struct {
	TokenAddress common.Address
	To           common.Address
	Amount       *big.Int
	Symbol       string
	UserData     []byte
	Decimals     uint8
	Granularity  *big.Int
	Log          types.Log
}

// ParseCross decodes a Cross log.
func ParseCross(log types.Log) (*CrossEvent, error) {
	args, err := decodeLog(BridgeABI, "Cross", log)
	if err != nil {
		return nil, err
	}
	ev := &CrossEvent{Log: log}
	if ev.TokenAddress, err = arg[common.Address](args, "_tokenAddress"); err != nil {
		return nil, err
	}
	if ev.To, err = arg[common.Address](args, "_to"); err != nil {
		return nil, err
	}
	if ev.Amount, err = arg[*big.Int](args, "_amount"); err != nil {
		return nil, err
	}
	if ev.Symbol, err = arg[string](args, "_symbol"); err != nil {
		return nil, err
	}
	if ev.UserData, err = arg[[]byte](args, "_userData"); err != nil {
		return nil, err
	}
	if ev.Decimals, err = arg[uint8](args, "_decimals"); err != nil {
		return nil, err
	}
	if ev.Granularity, err = arg[*big.Int](args, "_granularity"); err != nil {
		return nil, err
	}
	return ev, nil
}

// ExecutedEvent marks a federation-approved transfer as executed.
type ExecutedEvent struct {
	TransactionID common.Hash
	Log           types.Log
}

// ParseExecuted decodes a federation Executed log.
func ParseExecuted(log types.Log) (*ExecutedEvent, error) {
	args, err := decodeLog(FederationABI, "Executed", log)
	if err != nil {
		return nil, err
	}
	id, err := arg[[32]byte](args, "transactionId")
	if err != nil {
		return nil, err
	}
	return &ExecutedEvent{TransactionID: common.Hash(id), Log: log}, nil
}

// FirstErrorTokenReceiver returns the payload of the first ErrorTokenReceiver
// log emitted by bridge among logs.
func FirstErrorTokenReceiver(bridge common.Address, logs []types.Log) ([]byte, bool, error) {
	for _, l := range logs {
		if l.Address != bridge || len(l.Topics) == 0 || l.Topics[0] != ErrorTokenReceiverTopic {
			continue
		}
		args, err := decodeLog(BridgeABI, "ErrorTokenReceiver", l)
		if err != nil {
			return nil, false, err
		}
		data, err := arg[[]byte](args, "_errorData")
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}

// Federation reads vote state from a bridge federation contract.
type Federation struct {
	contract boundContract
}

func NewFederation(caller ContractCaller, address common.Address) *Federation {
	return &Federation{contract: boundContract{caller: caller, address: address, abi: FederationABI}}
}

func (f *Federation) Address() common.Address {
	return f.contract.address
}

func crossIDArgs(ev *CrossEvent) []any {
	return []any{
		ev.TokenAddress,
		ev.To,
		ev.Amount,
		ev.Symbol,
		[32]byte(ev.Log.BlockHash),
		[32]byte(ev.Log.TxHash),
		uint32(ev.Log.Index),
		ev.Decimals,
		ev.Granularity,
	}
}

// TransactionIDU derives the transfer id including the deposit user data.
func (f *Federation) TransactionIDU(ctx context.Context, ev *CrossEvent) (common.Hash, error) {
	args := append(crossIDArgs(ev), ev.UserData)
	values, err := f.contract.call(ctx, "getTransactionIdU", args...)
	if err != nil {
		return common.Hash{}, err
	}
	id, err := single[[32]byte](values, "getTransactionIdU")
	return common.Hash(id), err
}

// TransactionID derives the transfer id the way federations did before user
// data was introduced.
func (f *Federation) TransactionID(ctx context.Context, ev *CrossEvent) (common.Hash, error) {
	values, err := f.contract.call(ctx, "getTransactionId", crossIDArgs(ev)...)
	if err != nil {
		return common.Hash{}, err
	}
	id, err := single[[32]byte](values, "getTransactionId")
	return common.Hash(id), err
}

// TransactionCount returns the number of federator votes for id.
func (f *Federation) TransactionCount(ctx context.Context, id common.Hash) (int, error) {
	values, err := f.contract.call(ctx, "getTransactionCount", [32]byte(id))
	if err != nil {
		return 0, err
	}
	n, err := single[*big.Int](values, "getTransactionCount")
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("vote count %s out of range", n)
	}
	return int(n.Int64()), nil
}

// WasProcessed reports whether the federation executed id.
func (f *Federation) WasProcessed(ctx context.Context, id common.Hash) (bool, error) {
	values, err := f.contract.call(ctx, "transactionWasProcessed", [32]byte(id))
	if err != nil {
		return false, err
	}
	return single[bool](values, "transactionWasProcessed")
}
