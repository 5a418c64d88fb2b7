package bidi

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/chaintest"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/memory"
)

var (
	bridgeAddr = common.HexToAddress("0x00000000000000000000000000000000000000fb")
	rskUser    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	transfer1  = common.HexToHash("0x01")
	transfer2  = common.HexToHash("0x02")
	btcHash    = common.HexToHash("0xbeef")
	baseTime   = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

type chainBuilder struct {
	t      *testing.T
	client *chaintest.FakeEVM
	index  map[uint64]uint
}

func newChain(t *testing.T, head uint64) *chainBuilder {
	return &chainBuilder{t: t, client: chaintest.NewFakeEVM(domain.ChainRSKMainnet, head), index: make(map[uint64]uint)}
}

func (c *chainBuilder) add(block uint64, tx common.Hash, topics []common.Hash, data []byte) {
	c.client.AddLog(types.Log{
		Address:     bridgeAddr,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      tx,
		Index:       c.index[block],
	}, baseTime.Add(time.Duration(block)*time.Minute))
	c.index[block]++
}

func (c *chainBuilder) newTransfer(block uint64, tx, id common.Hash, amount, fee int64) {
	data, err := evm.FastBTCBridgeABI.Events["NewBitcoinTransfer"].Inputs.NonIndexed().Pack(
		"bc1qreceiver", big.NewInt(1), big.NewInt(amount), big.NewInt(fee))
	if err != nil {
		c.t.Fatalf("pack: %v", err)
	}
	c.add(block, tx, []common.Hash{evm.NewBitcoinTransferTopic, id, common.BytesToHash(rskUser.Bytes())}, data)
}

func (c *chainBuilder) batchSending(block uint64, tx common.Hash, size uint8) {
	data, err := evm.FastBTCBridgeABI.Events["BitcoinTransferBatchSending"].Inputs.NonIndexed().Pack([32]byte(btcHash), size)
	if err != nil {
		c.t.Fatalf("pack: %v", err)
	}
	c.add(block, tx, []common.Hash{evm.BitcoinTransferBatchSendingTopic}, data)
}

func (c *chainBuilder) statusUpdated(block uint64, tx, id common.Hash, status domain.BidiStatus) {
	data, err := evm.FastBTCBridgeABI.Events["BitcoinTransferStatusUpdated"].Inputs.NonIndexed().Pack(uint8(status))
	if err != nil {
		c.t.Fatalf("pack: %v", err)
	}
	c.add(block, tx, []common.Hash{evm.BitcoinTransferStatusUpdatedTopic, id}, data)
}

func newUpdater(c *chainBuilder, store storage.Store, cfg Config) *Updater {
	cfg.Chain = domain.ChainRSKMainnet
	cfg.ContractAddress = bridgeAddr
	u := New(cfg, c.client, store).WithRetryPolicies(
		chaintest.NoSleep(routing.FetchPolicy),
		chaintest.NoSleep(routing.LookupPolicy),
	)
	u.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	return u
}

func getTransfer(t *testing.T, store storage.Store, id common.Hash) *domain.BidiTransfer {
	t.Helper()
	var out *domain.BidiTransfer
	err := storage.InTx(context.Background(), store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = uow.BidiTransfers().Get(context.Background(), domain.ChainRSKMainnet, id.Hex())
		return err
	})
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	return out
}

func lastBlock(t *testing.T, store storage.Store) int64 {
	t.Helper()
	var out int64
	err := storage.InTx(context.Background(), store, func(uow storage.UnitOfWork) error {
		var err error
		out, err = checkpoint.New(uow.KeyValues()).Block(context.Background(), checkpoint.BidiBlockKey(domain.ChainRSKMainnet), -100)
		return err
	})
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	return out
}

func TestRun_TransferLifecycle(t *testing.T) {
	c := newChain(t, 120)
	txA, txB, txC := common.HexToHash("0xa"), common.HexToHash("0xb"), common.HexToHash("0xc")
	c.newTransfer(101, txA, transfer1, 100_000, 500)
	c.newTransfer(101, txA, transfer2, 50_000, 250)
	c.batchSending(105, txB, 2)
	c.statusUpdated(105, txB, transfer1, domain.BidiSending)
	c.statusUpdated(105, txB, transfer2, domain.BidiSending)
	c.statusUpdated(110, txC, transfer1, domain.BidiMined)
	c.statusUpdated(110, txC, transfer2, domain.BidiRefunded)

	store := memory.NewStore()
	res, err := newUpdater(c, store, Config{StartBlock: 100}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created != 2 || res.Updated != 4 {
		t.Errorf("expected 2 created and 4 updates, got %+v", res)
	}

	t1 := getTransfer(t, store, transfer1)
	if t1.Status != domain.BidiMined {
		t.Errorf("expected MINED, got %s", t1.Status)
	}
	if t1.TotalAmountSatoshi != 100_500 || t1.NetAmountSatoshi != 100_000 || t1.FeeSatoshi != 500 {
		t.Errorf("unexpected amounts: %+v", t1)
	}
	if t1.RSKAddress != rskUser.Hex() || t1.BitcoinAddress != "bc1qreceiver" {
		t.Errorf("unexpected addresses: %s %s", t1.RSKAddress, t1.BitcoinAddress)
	}
	wantTxID := "000000000000000000000000000000000000000000000000000000000000beef"
	if t1.BitcoinTxID != wantTxID || t1.TransferBatchSize != 2 {
		t.Errorf("expected btc tx %s batch 2, got %s batch %d", wantTxID, t1.BitcoinTxID, t1.TransferBatchSize)
	}
	if t1.MarkedAsSending == nil || t1.MarkedAsSending.BlockNumber != 105 || t1.MarkedAsSending.LogIndex != 1 {
		t.Errorf("unexpected sending metadata: %+v", t1.MarkedAsSending)
	}
	if t1.MarkedAsMined == nil || t1.MarkedAsMined.BlockNumber != 110 {
		t.Errorf("unexpected mined metadata: %+v", t1.MarkedAsMined)
	}
	if !t1.Event.BlockTimestamp.Equal(baseTime.Add(101 * time.Minute)) {
		t.Errorf("unexpected event time %s", t1.Event.BlockTimestamp)
	}

	t2 := getTransfer(t, store, transfer2)
	if t2.Status != domain.BidiRefunded || t2.RefundedOrReclaimed == nil || t2.MarkedAsSending.LogIndex != 2 {
		t.Errorf("unexpected second transfer: %+v", t2)
	}

	if cp := lastBlock(t, store); cp != 115 {
		t.Errorf("expected checkpoint 115, got %d", cp)
	}
}

func TestRun_InconsistentRoundsRollBack(t *testing.T) {
	txA, txB := common.HexToHash("0xa"), common.HexToHash("0xb")
	tests := []struct {
		name  string
		build func(c *chainBuilder)
	}{
		{
			name: "unused batch slots",
			build: func(c *chainBuilder) {
				c.newTransfer(101, txA, transfer1, 1000, 10)
				c.batchSending(105, txB, 2)
				c.statusUpdated(105, txB, transfer1, domain.BidiSending)
			},
		},
		{
			name: "sending without batch",
			build: func(c *chainBuilder) {
				c.newTransfer(101, txA, transfer1, 1000, 10)
				c.statusUpdated(105, txB, transfer1, domain.BidiSending)
			},
		},
		{
			name: "unknown transfer",
			build: func(c *chainBuilder) {
				c.newTransfer(101, txA, transfer1, 1000, 10)
				c.statusUpdated(105, txB, transfer2, domain.BidiMined)
			},
		},
		{
			name: "status NEW from update",
			build: func(c *chainBuilder) {
				c.newTransfer(101, txA, transfer1, 1000, 10)
				c.statusUpdated(105, txB, transfer1, domain.BidiNew)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChain(t, 120)
			tt.build(c)
			store := memory.NewStore()

			_, err := newUpdater(c, store, Config{StartBlock: 100}).Run(context.Background())
			if !errors.Is(err, domain.ErrInconsistent) {
				t.Fatalf("expected inconsistency error, got %v", err)
			}
			if tr := getTransfer(t, store, transfer1); tr != nil {
				t.Errorf("expected rollback, found %+v", tr)
			}
			if cp := lastBlock(t, store); cp != 99 {
				t.Errorf("expected checkpoint to stay 99, got %d", cp)
			}
		})
	}
}

func TestRun_StatusNeverRegresses(t *testing.T) {
	c := newChain(t, 120)
	txA, txB, txC := common.HexToHash("0xa"), common.HexToHash("0xb"), common.HexToHash("0xc")
	c.newTransfer(101, txA, transfer1, 1000, 10)
	c.statusUpdated(105, txB, transfer1, domain.BidiMined)
	c.batchSending(106, txC, 1)
	c.statusUpdated(106, txC, transfer1, domain.BidiSending)

	store := memory.NewStore()
	if _, err := newUpdater(c, store, Config{StartBlock: 100}).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := getTransfer(t, store, transfer1)
	if tr.Status != domain.BidiMined {
		t.Errorf("expected status to stay MINED, got %s", tr.Status)
	}
	if tr.MarkedAsSending == nil || tr.BitcoinTxID == "" {
		t.Errorf("expected sending metadata to be recorded, got %+v", tr)
	}
}

func TestRun_WindowLimits(t *testing.T) {
	c := newChain(t, 10_005)
	store := memory.NewStore()

	res, err := newUpdater(c, store, Config{StartBlock: 100, MaxBlocksFromNow: 1000, MaxBlocks: 500}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Window.From != 9000 || res.Window.To != 9500 {
		t.Errorf("expected window 9000-9500, got %+v", res.Window)
	}
	if cp := lastBlock(t, store); cp != 9500 {
		t.Errorf("expected checkpoint 9500, got %d", cp)
	}

	// Caught up: nothing to do.
	c.client.SetHead(9504)
	res, err = newUpdater(c, store, Config{StartBlock: 100}).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped {
		t.Errorf("expected round to be skipped, got %+v", res)
	}
}
