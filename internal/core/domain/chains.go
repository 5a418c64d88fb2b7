package domain

import (
	"errors"
	"fmt"
	"time"
)

// ChainName identifies a configured chain, e.g. "rsk_mainnet".
type ChainName string

const (
	ChainRSKMainnet ChainName = "rsk_mainnet"
	ChainETHMainnet ChainName = "eth_mainnet"
	ChainBSCMainnet ChainName = "bsc_mainnet"
	ChainRSKTestnet ChainName = "rsk_testnet"
	ChainETHTestnet ChainName = "eth_testnet"
	ChainBSCTestnet ChainName = "bsc_testnet"
	ChainBTCMainnet ChainName = "btc_mainnet"
	ChainBTCTestnet ChainName = "btc_testnet"
)

// ErrInconsistent marks data-consistency violations. Rounds that hit one
// are rolled back and never retried.
var ErrInconsistent = errors.New("inconsistent data")

// Inconsistentf wraps ErrInconsistent with a formatted message.
func Inconsistentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
}

// EventRef locates a log emission on chain.
type EventRef struct {
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp time.Time
	TxHash         string
	LogIndex       uint
}

// sameLocation reports whether two optional refs point at the same log.
// The timestamp is derived from the block and is not compared.
func sameLocation(a, b *EventRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.TxHash == b.TxHash &&
		a.BlockHash == b.BlockHash &&
		a.BlockNumber == b.BlockNumber &&
		a.LogIndex == b.LogIndex
}
