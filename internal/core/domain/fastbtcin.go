package domain

import (
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"
)

// FastBTCInStatus is the lifecycle of a BTC to RSK multisig transfer.
type FastBTCInStatus int

const (
	FastBTCInInitiated          FastBTCInStatus = 0
	FastBTCInSubmitted          FastBTCInStatus = 1
	FastBTCInPartiallyConfirmed FastBTCInStatus = 2
	FastBTCInExecuted           FastBTCInStatus = 3
	FastBTCInInvalid            FastBTCInStatus = 255
)

func (s FastBTCInStatus) String() string {
	switch s {
	case FastBTCInInitiated:
		return "INITIATED"
	case FastBTCInSubmitted:
		return "SUBMITTED"
	case FastBTCInPartiallyConfirmed:
		return "PARTIALLY_CONFIRMED"
	case FastBTCInExecuted:
		return "EXECUTED"
	case FastBTCInInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("FastBTCInStatus(%d)", int(s))
	}
}

// IsProcessed reports whether the multisig transaction was executed.
func (s FastBTCInStatus) IsProcessed() bool {
	return s == FastBTCInExecuted
}

// Confirmation is one signer's approval of a multisig transaction.
type Confirmation struct {
	Signer string `json:"signer"`
	TxHash string `json:"tx_hash"`
}

// Revocation records a signer withdrawing a confirmation and keeps the
// confirmation it replaced.
type Revocation struct {
	Signer  string       `json:"signer"`
	TxHash  string       `json:"tx_hash"`
	Revoked Confirmation `json:"revoked"`
}

// ExecutionFailure records a failed execution attempt.
type ExecutionFailure struct {
	TxHash string `json:"tx_hash"`
}

// FastBTCInExtra holds the ordered signer history of a transfer.
type FastBTCInExtra struct {
	Confirmations     []Confirmation     `json:"confirmations"`
	Revocations       []Revocation       `json:"revocations"`
	ExecutionFailures []ExecutionFailure `json:"execution_failures"`
}

// FastBTCInTransfer is a BTC to RSK transfer released through the managed
// wallet multisig. (Chain, MultisigTxID) is the natural key.
type FastBTCInTransfer struct {
	ID                  int64
	Chain               ChainName
	MultisigTxID        int64
	RSKReceiverAddress  string
	BitcoinTxHash       string
	BitcoinTxVout       int64
	TransferFunction    string
	NetAmountWei        *big.Int
	FeeWei              *big.Int
	Status              FastBTCInStatus
	NumConfirmations    int
	HasExecutionFailure bool
	Submission          *EventRef
	Executed            *EventRef
	Extra               FastBTCInExtra

	Ignored   bool
	SeenOn    time.Time
	UpdatedOn time.Time
}

// UpdateStatus moves the transfer to s when the state machine allows it and
// reports whether the status changed.
func (t *FastBTCInTransfer) UpdateStatus(s FastBTCInStatus, now time.Time) bool {
	if s == t.Status || !statusApplies(t.Status, s, FastBTCInInvalid) {
		return false
	}
	t.Status = s
	t.UpdatedOn = now
	return true
}

// MarkSubmitted records the Submission event.
func (t *FastBTCInTransfer) MarkSubmitted(ref EventRef, now time.Time) {
	t.Submission = &ref
	t.UpdateStatus(FastBTCInSubmitted, now)
}

// MarkExecuted records the Execution event.
func (t *FastBTCInTransfer) MarkExecuted(ref EventRef, now time.Time) {
	t.Executed = &ref
	t.UpdateStatus(FastBTCInExecuted, now)
}

// MarkExecutionFailure records an ExecutionFailure event.
func (t *FastBTCInTransfer) MarkExecutionFailure(txHash string, now time.Time) {
	t.HasExecutionFailure = true
	t.Extra.ExecutionFailures = append(t.Extra.ExecutionFailures, ExecutionFailure{TxHash: txHash})
	t.UpdatedOn = now
}

// AddConfirmation records a confirmation by signer. A repeated confirmation
// from the same signer replaces the stored tx hash.
func (t *FastBTCInTransfer) AddConfirmation(signer, txHash string, now time.Time) {
	signer = strings.ToLower(signer)
	if i := t.confirmationIndex(signer); i >= 0 {
		t.Extra.Confirmations[i].TxHash = txHash
	} else {
		t.Extra.Confirmations = append(t.Extra.Confirmations, Confirmation{Signer: signer, TxHash: txHash})
		t.UpdateStatus(FastBTCInPartiallyConfirmed, now)
	}
	t.NumConfirmations = len(t.Extra.Confirmations)
	t.UpdatedOn = now
}

// RevokeConfirmation removes the signer's active confirmation and records the
// revocation. It reports false and changes nothing if the signer had none.
func (t *FastBTCInTransfer) RevokeConfirmation(signer, txHash string, now time.Time) bool {
	signer = strings.ToLower(signer)
	i := t.confirmationIndex(signer)
	if i < 0 {
		return false
	}
	revoked := t.Extra.Confirmations[i]
	t.Extra.Confirmations = slices.Delete(slices.Clone(t.Extra.Confirmations), i, i+1)
	t.Extra.Revocations = append(t.Extra.Revocations, Revocation{
		Signer:  signer,
		TxHash:  txHash,
		Revoked: revoked,
	})
	t.NumConfirmations = len(t.Extra.Confirmations)
	t.UpdatedOn = now
	return true
}

func (t *FastBTCInTransfer) confirmationIndex(signer string) int {
	for i, c := range t.Extra.Confirmations {
		if c.Signer == signer {
			return i
		}
	}
	return -1
}

// DepositedOn is the earliest known time of the transfer.
func (t *FastBTCInTransfer) DepositedOn() time.Time {
	if t.Submission != nil {
		return t.Submission.BlockTimestamp
	}
	return t.SeenOn
}

// IsLate reports whether an unprocessed transfer has been pending for longer
// than the given cutoffs.
func (t *FastBTCInTransfer) IsLate(now time.Time, depositedCutoff, updatedCutoff time.Duration) bool {
	if t.Status.IsProcessed() || t.Ignored {
		return false
	}
	return now.Sub(t.DepositedOn()) > depositedCutoff || now.Sub(t.UpdatedOn) > updatedCutoff
}
