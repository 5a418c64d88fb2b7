package domain

import (
	"math/big"
	"time"
)

// DefaultErrorData is stored when a completed transfer emitted no
// ErrorTokenReceiver event.
const DefaultErrorData = "0x"

// Transfer is a token bridge deposit correlated with its completion on the
// counterpart chain. (TransactionID, FromChain, ToChain) is the natural key.
type Transfer struct {
	ID               int64
	FromChain        ChainName
	ToChain          ChainName
	TransactionID    string
	TransactionIDOld string

	ReceiverAddress  string
	DepositorAddress string
	TokenAddress     string
	TokenSymbol      string
	TokenDecimals    int
	AmountWei        *big.Int
	UserData         string
	Event            EventRef

	WasProcessed                bool
	NumVotes                    int
	Executed                    *EventRef
	HasErrorTokenReceiverEvents bool
	ErrorData                   string

	Ignored   bool
	CreatedOn time.Time
	UpdatedOn time.Time
}

// Key returns the natural key of the transfer.
func (t *Transfer) Key() TransferKey {
	return TransferKey{TransactionID: t.TransactionID, FromChain: t.FromChain, ToChain: t.ToChain}
}

// TransferKey is the natural key of a Transfer.
type TransferKey struct {
	TransactionID string
	FromChain     ChainName
	ToChain       ChainName
}

// ApplyObserved copies the mutable fields of obs onto t. It reports whether
// anything changed and only bumps UpdatedOn when it did.
func (t *Transfer) ApplyObserved(obs *Transfer, now time.Time) bool {
	if t.WasProcessed == obs.WasProcessed &&
		t.NumVotes == obs.NumVotes &&
		sameLocation(t.Executed, obs.Executed) &&
		t.HasErrorTokenReceiverEvents == obs.HasErrorTokenReceiverEvents &&
		t.ErrorData == obs.ErrorData {
		return false
	}

	t.WasProcessed = obs.WasProcessed
	t.NumVotes = obs.NumVotes
	if obs.Executed != nil {
		e := *obs.Executed
		t.Executed = &e
	} else {
		t.Executed = nil
	}
	t.HasErrorTokenReceiverEvents = obs.HasErrorTokenReceiverEvents
	t.ErrorData = obs.ErrorData
	t.UpdatedOn = now
	return true
}

// IsLate reports whether an unprocessed transfer has been pending for longer
// than the given cutoffs.
func (t *Transfer) IsLate(now time.Time, depositedCutoff, updatedCutoff time.Duration) bool {
	if t.WasProcessed || t.Ignored {
		return false
	}
	return now.Sub(t.Event.BlockTimestamp) > depositedCutoff || now.Sub(t.UpdatedOn) > updatedCutoff
}
