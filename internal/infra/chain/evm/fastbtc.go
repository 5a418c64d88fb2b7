package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	NewBitcoinTransferTopic           = EventTopic(FastBTCBridgeABI, "NewBitcoinTransfer")
	BitcoinTransferBatchSendingTopic  = EventTopic(FastBTCBridgeABI, "BitcoinTransferBatchSending")
	BitcoinTransferStatusUpdatedTopic = EventTopic(FastBTCBridgeABI, "BitcoinTransferStatusUpdated")
)

// NewBitcoinTransferEvent is an RSK to BTC transfer request.
type NewBitcoinTransferEvent struct {
	TransferID    common.Hash
	BTCAddress    string
	Nonce         *big.Int
	AmountSatoshi *big.Int
	FeeSatoshi    *big.Int
	RSKAddress    common.Address
	Log           types.Log
}

func ParseNewBitcoinTransfer(log types.Log) (*NewBitcoinTransferEvent, error) {
	args, err := decodeLog(FastBTCBridgeABI, "NewBitcoinTransfer", log)
	if err != nil {
		return nil, err
	}
	ev := &NewBitcoinTransferEvent{Log: log}
	id, err := arg[[32]byte](args, "transferId")
	if err != nil {
		return nil, err
	}
	ev.TransferID = common.Hash(id)
	if ev.BTCAddress, err = arg[string](args, "btcAddress"); err != nil {
		return nil, err
	}
	if ev.Nonce, err = arg[*big.Int](args, "nonce"); err != nil {
		return nil, err
	}
	if ev.AmountSatoshi, err = arg[*big.Int](args, "amountSatoshi"); err != nil {
		return nil, err
	}
	if ev.FeeSatoshi, err = arg[*big.Int](args, "feeSatoshi"); err != nil {
		return nil, err
	}
	if ev.RSKAddress, err = arg[common.Address](args, "rskAddress"); err != nil {
		return nil, err
	}
	return ev, nil
}

// BatchSendingEvent announces one bitcoin transaction paying out
// TransferBatchSize transfers.
type BatchSendingEvent struct {
	BitcoinTxHash     common.Hash
	TransferBatchSize uint8
	Log               types.Log
}

func ParseBatchSending(log types.Log) (*BatchSendingEvent, error) {
	args, err := decodeLog(FastBTCBridgeABI, "BitcoinTransferBatchSending", log)
	if err != nil {
		return nil, err
	}
	hash, err := arg[[32]byte](args, "bitcoinTxHash")
	if err != nil {
		return nil, err
	}
	size, err := arg[uint8](args, "transferBatchSize")
	if err != nil {
		return nil, err
	}
	return &BatchSendingEvent{BitcoinTxHash: common.Hash(hash), TransferBatchSize: size, Log: log}, nil
}

// StatusUpdatedEvent is a status change of one transfer.
type StatusUpdatedEvent struct {
	TransferID common.Hash
	NewStatus  uint8
	Log        types.Log
}

func ParseStatusUpdated(log types.Log) (*StatusUpdatedEvent, error) {
	args, err := decodeLog(FastBTCBridgeABI, "BitcoinTransferStatusUpdated", log)
	if err != nil {
		return nil, err
	}
	id, err := arg[[32]byte](args, "transferId")
	if err != nil {
		return nil, err
	}
	status, err := arg[uint8](args, "newStatus")
	if err != nil {
		return nil, err
	}
	return &StatusUpdatedEvent{TransferID: common.Hash(id), NewStatus: status, Log: log}, nil
}
