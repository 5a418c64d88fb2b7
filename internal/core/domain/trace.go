package domain

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// AddressBookkeeper tracks how much of an address' history has been traced.
//
// Blocks in [LowestScanned, NextToScanHigh) have been scanned. Scanning
// proceeds backward from LowestScanned down to Start and forward from
// NextToScanHigh up to End (exclusive) or the safe head.
type AddressBookkeeper struct {
	Address        string
	Name           string
	Start          uint64
	End            *uint64
	LowestScanned  uint64
	NextToScanHigh uint64
	CreatedOn      time.Time
	UpdatedOn      time.Time
}

// NewAddressBookkeeper starts both cursors at max(initial, start).
func NewAddressBookkeeper(address, name string, initial, start uint64, end *uint64, now time.Time) *AddressBookkeeper {
	initial = max(initial, start)
	return &AddressBookkeeper{
		Address:        strings.ToLower(address),
		Name:           name,
		Start:          start,
		End:            end,
		LowestScanned:  initial,
		NextToScanHigh: initial,
		CreatedOn:      now,
		UpdatedOn:      now,
	}
}

// Tracks reports whether block falls inside [Start, End).
func (b *AddressBookkeeper) Tracks(block uint64) bool {
	if block < b.Start {
		return false
	}
	return b.End == nil || block < *b.End
}

// CanScanUp reports whether the next forward block is safe to scan.
func (b *AddressBookkeeper) CanScanUp(head, safetyLimit uint64) bool {
	if b.End != nil && b.NextToScanHigh >= *b.End {
		return false
	}
	return b.NextToScanHigh+safetyLimit <= head
}

// CanScanDown reports whether there is history left below LowestScanned.
func (b *AddressBookkeeper) CanScanDown() bool {
	return b.Start < b.LowestScanned
}

// FullyScanned reports whether the backward scan reached Start.
func (b *AddressBookkeeper) FullyScanned() bool {
	return b.LowestScanned <= b.Start
}

// TraceRecord is one value-transfer step inside a transaction execution.
// (TxHash, TraceIndex) is unique.
type TraceRecord struct {
	TxHash      string
	TraceIndex  int
	BlockNumber uint64
	BlockTime   time.Time
	ChainID     int64
	FromAddress string
	ToAddress   string
	Value       *big.Int
	Error       string
	Raw         json.RawMessage
}

// Touches reports whether the trace moves value from or to address.
func (r *TraceRecord) Touches(address string) bool {
	return r.FromAddress == address || r.ToAddress == address
}
