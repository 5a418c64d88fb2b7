package domain

import (
	"testing"
	"time"
)

func permutations(in []BidiStatus) [][]BidiStatus {
	if len(in) <= 1 {
		return [][]BidiStatus{append([]BidiStatus(nil), in...)}
	}
	var out [][]BidiStatus
	for i := range in {
		rest := make([]BidiStatus, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]BidiStatus{in[i]}, p...))
		}
	}
	return out
}

func TestBidiStatus_MonotonicUnderPermutation(t *testing.T) {
	events := []BidiStatus{BidiNew, BidiSending, BidiMined}
	now := time.Now()

	for _, perm := range permutations(events) {
		tr := &BidiTransfer{Status: BidiNotApplicable}
		prev := tr.Status
		for _, s := range perm {
			tr.UpdateStatus(s, now)
			if tr.Status < prev {
				t.Fatalf("status regressed from %s to %s for %v", prev, tr.Status, perm)
			}
			prev = tr.Status
		}
		if tr.Status != BidiMined {
			t.Errorf("expected MINED for %v, got %s", perm, tr.Status)
		}
	}
}

func TestBidiStatus_InvalidAlwaysApplies(t *testing.T) {
	now := time.Now()
	tr := &BidiTransfer{Status: BidiMined}

	if !tr.UpdateStatus(BidiInvalid, now) {
		t.Fatal("expected INVALID to apply over MINED")
	}
	if tr.Status != BidiInvalid {
		t.Errorf("expected INVALID, got %s", tr.Status)
	}

	// Leaving INVALID is allowed, even to a lower status.
	if !tr.UpdateStatus(BidiSending, now) {
		t.Fatal("expected update out of INVALID to apply")
	}
	if tr.Status != BidiSending {
		t.Errorf("expected SENDING, got %s", tr.Status)
	}
}

func TestBidiStatus_ReplayIsNoop(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := &BidiTransfer{Status: BidiMined, UpdatedOn: created}

	if tr.UpdateStatus(BidiSending, time.Now()) {
		t.Error("expected replayed SENDING to be ignored")
	}
	if tr.UpdateStatus(BidiMined, time.Now()) {
		t.Error("expected same status to be ignored")
	}
	if !tr.UpdatedOn.Equal(created) {
		t.Errorf("expected updated_on unchanged, got %v", tr.UpdatedOn)
	}
}

func TestParseBidiStatus(t *testing.T) {
	if _, err := ParseBidiStatus(7); err == nil {
		t.Error("expected error for unknown status")
	}
	s, err := ParseBidiStatus(255)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != BidiInvalid {
		t.Errorf("expected INVALID, got %s", s)
	}
}

func TestFastBTCIn_SubmitConfirmRevokeExecute(t *testing.T) {
	now := time.Now()
	tr := &FastBTCInTransfer{Status: FastBTCInInitiated}

	tr.MarkSubmitted(EventRef{BlockNumber: 10, TxHash: "0x01"}, now)
	tr.AddConfirmation("0xAA", "0x02", now)
	if tr.Status != FastBTCInPartiallyConfirmed {
		t.Errorf("expected PARTIALLY_CONFIRMED, got %s", tr.Status)
	}
	if tr.NumConfirmations != 1 {
		t.Errorf("expected 1 confirmation, got %d", tr.NumConfirmations)
	}

	if !tr.RevokeConfirmation("0xaa", "0x03", now) {
		t.Fatal("expected revocation to apply")
	}
	tr.MarkExecuted(EventRef{BlockNumber: 12, TxHash: "0x04"}, now)

	if tr.Status != FastBTCInExecuted {
		t.Errorf("expected EXECUTED, got %s", tr.Status)
	}
	if tr.NumConfirmations != 0 {
		t.Errorf("expected 0 confirmations, got %d", tr.NumConfirmations)
	}
	if len(tr.Extra.Revocations) != 1 {
		t.Fatalf("expected 1 revocation, got %d", len(tr.Extra.Revocations))
	}
	rev := tr.Extra.Revocations[0]
	if rev.Signer != "0xaa" || rev.Revoked.TxHash != "0x02" {
		t.Errorf("expected revocation linked to confirmation 0x02, got %+v", rev)
	}
}

func TestFastBTCIn_RepeatedConfirmationUpdatesEntry(t *testing.T) {
	now := time.Now()
	tr := &FastBTCInTransfer{Status: FastBTCInSubmitted}

	tr.AddConfirmation("0xAA", "0x01", now)
	tr.AddConfirmation("0xaa", "0x02", now)
	tr.AddConfirmation("0xBB", "0x03", now)

	if tr.NumConfirmations != 2 {
		t.Fatalf("expected 2 confirmations, got %d", tr.NumConfirmations)
	}
	if tr.Extra.Confirmations[0].TxHash != "0x02" {
		t.Errorf("expected updated tx hash 0x02, got %s", tr.Extra.Confirmations[0].TxHash)
	}
}

func TestFastBTCIn_RevokeUnknownSignerIsNoop(t *testing.T) {
	tr := &FastBTCInTransfer{Status: FastBTCInSubmitted}
	tr.AddConfirmation("0xAA", "0x01", time.Now())

	if tr.RevokeConfirmation("0xCC", "0x02", time.Now()) {
		t.Error("expected no-op for unknown signer")
	}
	if tr.NumConfirmations != 1 || len(tr.Extra.Revocations) != 0 {
		t.Errorf("expected state unchanged, got %d confirmations, %d revocations",
			tr.NumConfirmations, len(tr.Extra.Revocations))
	}
}

func TestTransfer_ApplyObserved(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)

	stored := &Transfer{ErrorData: DefaultErrorData, UpdatedOn: created}
	same := &Transfer{ErrorData: DefaultErrorData}
	if stored.ApplyObserved(same, now) {
		t.Error("expected no change for identical observation")
	}
	if !stored.UpdatedOn.Equal(created) {
		t.Errorf("expected updated_on unchanged, got %v", stored.UpdatedOn)
	}

	executed := &Transfer{
		WasProcessed: true,
		NumVotes:     2,
		Executed:     &EventRef{BlockNumber: 5, BlockHash: "0xb", TxHash: "0xt", LogIndex: 1},
		ErrorData:    DefaultErrorData,
	}
	if !stored.ApplyObserved(executed, now) {
		t.Fatal("expected change")
	}
	if !stored.WasProcessed || stored.NumVotes != 2 || stored.Executed == nil {
		t.Errorf("expected mutable fields copied, got %+v", stored)
	}
	if !stored.UpdatedOn.Equal(now) {
		t.Errorf("expected updated_on %v, got %v", now, stored.UpdatedOn)
	}
}

func TestAddressBookkeeper_Eligibility(t *testing.T) {
	end := uint64(150)
	b := NewAddressBookkeeper("0xABC", "test", 100, 120, &end, time.Now())

	if b.Address != "0xabc" {
		t.Errorf("expected lowercase address, got %s", b.Address)
	}
	if b.LowestScanned != 120 || b.NextToScanHigh != 120 {
		t.Errorf("expected cursors at 120, got %d/%d", b.LowestScanned, b.NextToScanHigh)
	}
	if b.CanScanDown() {
		t.Error("expected nothing to scan down")
	}
	if b.CanScanUp(125, 6) {
		t.Error("expected block 120 unsafe at head 125 with safety 6")
	}
	if !b.CanScanUp(126, 6) {
		t.Error("expected block 120 safe at head 126 with safety 6")
	}
	b.NextToScanHigh = 150
	if b.CanScanUp(1000, 6) {
		t.Error("expected no scanning at end block")
	}
	if b.Tracks(150) || !b.Tracks(149) || b.Tracks(119) {
		t.Error("expected tracking window [120, 150)")
	}
}
