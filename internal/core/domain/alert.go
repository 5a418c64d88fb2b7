package domain

import "time"

// AlertType groups alerts so that at most one unresolved alert per type is
// active at a time.
type AlertType string

const (
	AlertLateTransfers            AlertType = "late_transfers"
	AlertBidiFastBTCLateTransfers AlertType = "bidi_fastbtc_late_transfers"
	AlertFastBTCInLateTransfers   AlertType = "fastbtc_in_late_transfers"
	AlertOther                    AlertType = "other"
)

type Alert struct {
	ID                int64
	Type              AlertType
	CreatedOn         time.Time
	LastMessageSentOn *time.Time
	Resolved          bool
}

// ReplenisherTx is a BTC transaction that topped up the bidirectional
// FastBTC multisig.
type ReplenisherTx struct {
	ConfigChain      ChainName
	TransactionChain ChainName
	TransactionID    string
	BlockNumber      uint64
	BlockTimestamp   time.Time
	FeeSatoshi       int64
	AmountSatoshi    int64
	RawData          []byte
}
