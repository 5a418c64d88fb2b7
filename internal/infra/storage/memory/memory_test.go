package memory

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

func TestRollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := uow.KeyValues().Set(ctx, "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hookRan := false
	uow.AfterCommit(func() { hookRan = true })
	if err := uow.Rollback(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := uow.Rollback(); err != nil {
		t.Errorf("expected second rollback to be a no-op, got %v", err)
	}
	if hookRan {
		t.Error("expected hook not to run on rollback")
	}

	err = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		_, ok, err := uow.KeyValues().Get(ctx, "k")
		if err != nil {
			return err
		}
		if ok {
			t.Error("expected key to be absent after rollback")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCommitRunsHooks(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	hookRan := false
	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		uow.AfterCommit(func() { hookRan = true })
		return uow.KeyValues().Set(ctx, "a:1", json.RawMessage(`"x"`))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hookRan {
		t.Error("expected hook to run after commit")
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")

	err := storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		if err := uow.Transfers().Insert(ctx, &domain.Transfer{TransactionID: "0x1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		list, _ := uow.Transfers().ListUnprocessed(ctx)
		if len(list) != 0 {
			t.Errorf("expected no transfers, got %d", len(list))
		}
		return nil
	})
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_ = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		tr := &domain.FastBTCInTransfer{Chain: domain.ChainRSKMainnet, MultisigTxID: 7}
		if err := uow.FastBTCIn().Insert(ctx, tr); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := uow.FastBTCIn().Get(ctx, domain.ChainRSKMainnet, 7)
		got.Extra.Confirmations = append(got.Extra.Confirmations, domain.Confirmation{Signer: "0xaa"})

		again, _ := uow.FastBTCIn().Get(ctx, domain.ChainRSKMainnet, 7)
		if len(again.Extra.Confirmations) != 0 {
			t.Errorf("expected stored entity unchanged, got %d confirmations", len(again.Extra.Confirmations))
		}
		return nil
	})
}

func TestDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_ = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		tr := &domain.BidiTransfer{Chain: domain.ChainRSKMainnet, TransferID: "0x01"}
		if err := uow.BidiTransfers().Insert(ctx, tr); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := uow.BidiTransfers().Insert(ctx, &domain.BidiTransfer{Chain: domain.ChainRSKMainnet, TransferID: "0x01"})
		if !errors.Is(err, storage.ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		rec := &domain.TraceRecord{TxHash: "0xt", TraceIndex: 0}
		if ok, _ := uow.Traces().Insert(ctx, rec); !ok {
			t.Error("expected first trace insert to succeed")
		}
		if ok, _ := uow.Traces().Insert(ctx, rec); ok {
			t.Error("expected second trace insert to be ignored")
		}
		return nil
	})
}

func TestTraceNetValue(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	addr := "0xabc"

	traces := []*domain.TraceRecord{
		{TxHash: "0x1", BlockNumber: 10, ToAddress: addr, FromAddress: "0xdef", Value: big.NewInt(100)},
		{TxHash: "0x2", BlockNumber: 11, ToAddress: "0xdef", FromAddress: addr, Value: big.NewInt(30)},
		{TxHash: "0x3", BlockNumber: 12, ToAddress: addr, FromAddress: "0xdef", Value: big.NewInt(50), Error: "Reverted"},
		{TxHash: "0x4", BlockNumber: 20, ToAddress: addr, FromAddress: "0xdef", Value: big.NewInt(7)},
	}

	_ = storage.InTx(ctx, store, func(uow storage.UnitOfWork) error {
		for _, tr := range traces {
			if _, err := uow.Traces().Insert(ctx, tr); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		net, err := uow.Traces().NetValue(ctx, "0xABC", 10, 19)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if net.Int64() != 70 {
			t.Errorf("expected net 70, got %s", net)
		}
		return nil
	})
}
