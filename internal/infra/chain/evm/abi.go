package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Only the parts of the contract interfaces the monitor reads are listed.

const bridgeABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_tokenAddress", "type": "address"},
			{"indexed": true, "name": "_to", "type": "address"},
			{"indexed": false, "name": "_amount", "type": "uint256"},
			{"indexed": false, "name": "_symbol", "type": "string"},
			{"indexed": false, "name": "_userData", "type": "bytes"},
			{"indexed": false, "name": "_decimals", "type": "uint8"},
			{"indexed": false, "name": "_granularity", "type": "uint256"}
		],
		"name": "Cross",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "_errorData", "type": "bytes"}
		],
		"name": "ErrorTokenReceiver",
		"type": "event"
	}
]`

const federationABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "transactionId", "type": "bytes32"}
		],
		"name": "Executed",
		"type": "event"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "originalTokenAddress", "type": "address"},
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "symbol", "type": "string"},
			{"name": "blockHash", "type": "bytes32"},
			{"name": "transactionHash", "type": "bytes32"},
			{"name": "logIndex", "type": "uint32"},
			{"name": "decimals", "type": "uint8"},
			{"name": "granularity", "type": "uint256"}
		],
		"name": "getTransactionId",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "pure",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "originalTokenAddress", "type": "address"},
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "symbol", "type": "string"},
			{"name": "blockHash", "type": "bytes32"},
			{"name": "transactionHash", "type": "bytes32"},
			{"name": "logIndex", "type": "uint32"},
			{"name": "decimals", "type": "uint8"},
			{"name": "granularity", "type": "uint256"},
			{"name": "userData", "type": "bytes"}
		],
		"name": "getTransactionIdU",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "pure",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "transactionId", "type": "bytes32"}],
		"name": "getTransactionCount",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "transactionId", "type": "bytes32"}],
		"name": "transactionWasProcessed",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const fastBTCBridgeABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "transferId", "type": "bytes32"},
			{"indexed": false, "name": "btcAddress", "type": "string"},
			{"indexed": false, "name": "nonce", "type": "uint256"},
			{"indexed": false, "name": "amountSatoshi", "type": "uint256"},
			{"indexed": false, "name": "feeSatoshi", "type": "uint256"},
			{"indexed": true, "name": "rskAddress", "type": "address"}
		],
		"name": "NewBitcoinTransfer",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "bitcoinTxHash", "type": "bytes32"},
			{"indexed": false, "name": "transferBatchSize", "type": "uint8"}
		],
		"name": "BitcoinTransferBatchSending",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "transferId", "type": "bytes32"},
			{"indexed": false, "name": "newStatus", "type": "uint8"}
		],
		"name": "BitcoinTransferStatusUpdated",
		"type": "event"
	}
]`

const multiSigABIJSON = `[
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "transactionId", "type": "uint256"}],
		"name": "Submission",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "sender", "type": "address"},
			{"indexed": true, "name": "transactionId", "type": "uint256"}
		],
		"name": "Confirmation",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "sender", "type": "address"},
			{"indexed": true, "name": "transactionId", "type": "uint256"}
		],
		"name": "Revocation",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "transactionId", "type": "uint256"}],
		"name": "Execution",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "name": "transactionId", "type": "uint256"}],
		"name": "ExecutionFailure",
		"type": "event"
	},
	{
		"constant": true,
		"inputs": [{"name": "", "type": "uint256"}],
		"name": "transactions",
		"outputs": [
			{"name": "destination", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "data", "type": "bytes"},
			{"name": "executed", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

const managedWalletABIJSON = `[
	{
		"inputs": [
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "fee", "type": "uint256"},
			{"name": "btcTxHash", "type": "bytes32"},
			{"name": "btcTxVout", "type": "uint256"}
		],
		"name": "transferToUser",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "withdrawAdmin",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "fee", "type": "uint256"},
			{"name": "btcTxHash", "type": "bytes32"},
			{"name": "btcTxVout", "type": "uint256"},
			{"name": "extraData", "type": "bytes"}
		],
		"name": "transferToBridge",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	BridgeABI        = mustParseABI("bridge", bridgeABIJSON)
	FederationABI    = mustParseABI("federation", federationABIJSON)
	FastBTCBridgeABI = mustParseABI("fastbtc bridge", fastBTCBridgeABIJSON)
	MultiSigABI      = mustParseABI("multisig", multiSigABIJSON)
	ManagedWalletABI = mustParseABI("managed wallet", managedWalletABIJSON)
)

func mustParseABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s ABI: %v", name, err))
	}
	return parsed
}

// EventTopic returns the topic0 of an event declared in contract.
func EventTopic(contract abi.ABI, event string) common.Hash {
	ev, ok := contract.Events[event]
	if !ok {
		panic(fmt.Sprintf("unknown event %s", event))
	}
	return ev.ID
}

// decodeLog unpacks both indexed and non-indexed arguments of log into a map
// keyed by argument name.
func decodeLog(contract abi.ABI, event string, log types.Log) (map[string]any, error) {
	ev, ok := contract.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", event)
	}
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return nil, fmt.Errorf("log %s:%d is not a %s event", log.TxHash.Hex(), log.Index, event)
	}

	out := make(map[string]any)
	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := ev.Inputs.UnpackIntoMap(out, log.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", event, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(out, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("failed to parse %s topics: %w", event, err)
	}
	return out, nil
}

// arg reads a typed value out of a decoded argument map.
func arg[T any](args map[string]any, name string) (T, error) {
	var zero T
	raw, ok := args[name]
	if !ok {
		return zero, fmt.Errorf("missing argument %s", name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("argument %s has type %T, expected %T", name, raw, zero)
	}
	return v, nil
}
