package domain

import (
	"fmt"
	"time"
)

// BidiStatus mirrors the on-chain status enum of the FastBTC bridge contract.
type BidiStatus int

const (
	BidiNotApplicable BidiStatus = 0
	BidiNew           BidiStatus = 1
	BidiSending       BidiStatus = 2
	BidiMined         BidiStatus = 3
	BidiRefunded      BidiStatus = 4
	BidiReclaimed     BidiStatus = 5
	BidiInvalid       BidiStatus = 255
)

func (s BidiStatus) String() string {
	switch s {
	case BidiNotApplicable:
		return "NOT_APPLICABLE"
	case BidiNew:
		return "NEW"
	case BidiSending:
		return "SENDING"
	case BidiMined:
		return "MINED"
	case BidiRefunded:
		return "REFUNDED"
	case BidiReclaimed:
		return "RECLAIMED"
	case BidiInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("BidiStatus(%d)", int(s))
	}
}

// IsProcessed reports whether the transfer has reached a final outcome.
func (s BidiStatus) IsProcessed() bool {
	return s == BidiMined || s == BidiRefunded || s == BidiReclaimed
}

// ParseBidiStatus validates a raw status value read from chain.
func ParseBidiStatus(v uint8) (BidiStatus, error) {
	s := BidiStatus(v)
	switch s {
	case BidiNotApplicable, BidiNew, BidiSending, BidiMined, BidiRefunded, BidiReclaimed, BidiInvalid:
		return s, nil
	}
	return 0, Inconsistentf("unknown bidi status %d", v)
}

// BidiTransfer is an RSK to BTC transfer through the bidirectional FastBTC
// bridge. (Chain, TransferID) is the natural key.
type BidiTransfer struct {
	ID                 int64
	Chain              ChainName
	TransferID         string
	RSKAddress         string
	BitcoinAddress     string
	TotalAmountSatoshi int64
	NetAmountSatoshi   int64
	FeeSatoshi         int64
	Status             BidiStatus
	BitcoinTxID        string
	TransferBatchSize  int
	Event              EventRef

	MarkedAsSending     *EventRef
	MarkedAsMined       *EventRef
	RefundedOrReclaimed *EventRef

	Ignored   bool
	CreatedOn time.Time
	UpdatedOn time.Time
}

// UpdateStatus moves the transfer to s when the state machine allows it and
// reports whether the status changed.
func (t *BidiTransfer) UpdateStatus(s BidiStatus, now time.Time) bool {
	if s == t.Status || !statusApplies(t.Status, s, BidiInvalid) {
		return false
	}
	t.Status = s
	t.UpdatedOn = now
	return true
}

// MarkSending records the batch sending event that covered this transfer.
func (t *BidiTransfer) MarkSending(bitcoinTxID string, batchSize int, ref EventRef, now time.Time) {
	t.BitcoinTxID = bitcoinTxID
	t.TransferBatchSize = batchSize
	t.MarkedAsSending = &ref
	t.UpdateStatus(BidiSending, now)
}

// MarkMined records the status update that marked the transfer mined.
func (t *BidiTransfer) MarkMined(ref EventRef, now time.Time) {
	t.MarkedAsMined = &ref
	t.UpdateStatus(BidiMined, now)
}

// MarkRefundedOrReclaimed records a refund or reclaim.
func (t *BidiTransfer) MarkRefundedOrReclaimed(s BidiStatus, ref EventRef, now time.Time) {
	t.RefundedOrReclaimed = &ref
	t.UpdateStatus(s, now)
}

// IsLate reports whether an unprocessed transfer has been pending for longer
// than the given cutoffs.
func (t *BidiTransfer) IsLate(now time.Time, depositedCutoff, updatedCutoff time.Duration) bool {
	if t.Status.IsProcessed() || t.Ignored {
		return false
	}
	return now.Sub(t.Event.BlockTimestamp) > depositedCutoff || now.Sub(t.UpdatedOn) > updatedCutoff
}
