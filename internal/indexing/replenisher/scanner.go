// Package replenisher records the BTC transactions that top up the
// bidirectional FastBTC multisig.
package replenisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/checkpoint"
	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/bitcoin"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// markerASM is the OP_RETURN output the replenisher adds to its
// transactions.
const markerASM = "OP_RETURN OP_PUSHBYTES_1 00"

// Scanner finds replenisher transactions of one multisig address.
type Scanner struct {
	configChain      domain.ChainName
	transactionChain domain.ChainName
	multisigAddress  string
	explorer         chain.Explorer
	store            storage.Store
	log              *slog.Logger
}

// NewScanner creates a scanner for the multisig configured on configChain,
// which must be rsk_mainnet or rsk_testnet.
func NewScanner(configChain domain.ChainName, multisigAddress string, explorer chain.Explorer, store storage.Store) (*Scanner, error) {
	var txChain domain.ChainName
	switch configChain {
	case domain.ChainRSKMainnet:
		txChain = domain.ChainBTCMainnet
	case domain.ChainRSKTestnet:
		txChain = domain.ChainBTCTestnet
	default:
		return nil, fmt.Errorf("invalid config chain %s, must be %s or %s", configChain, domain.ChainRSKMainnet, domain.ChainRSKTestnet)
	}
	return &Scanner{
		configChain:      configChain,
		transactionChain: txChain,
		multisigAddress:  multisigAddress,
		explorer:         explorer,
		store:            store,
		log:              slog.Default().With("component", "replenisher", "chain", configChain),
	}, nil
}

// Result summarizes a scan.
type Result struct {
	Checked  int
	Inserted int
	LastTxID string
}

// Scan lists confirmed transactions of the multisig newer than the stored
// txid and inserts the replenisher transactions oldest first.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	if s.multisigAddress == "" {
		s.log.Info("No replenisher multisig address configured, skipping")
		return &Result{}, nil
	}
	key := checkpoint.ReplenisherTxIDKey(s.configChain)

	// 1. Read the last processed txid
	var lastTxID string
	err := storage.InTx(ctx, s.store, func(uow storage.UnitOfWork) error {
		var err error
		lastTxID, err = checkpoint.Get(ctx, checkpoint.New(uow.KeyValues()), key, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read last txid: %w", err)
	}

	// 2. List new transactions, newest first
	s.log.Info("Fetching new transactions", "address", s.multisigAddress, "until", lastTxID)
	txs, err := s.explorer.ConfirmedTransactions(ctx, s.multisigAddress, lastTxID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	res := &Result{Checked: len(txs), LastTxID: lastTxID}
	if len(txs) == 0 {
		return res, nil
	}
	res.LastTxID = txs[0].TxID

	var found []*domain.ReplenisherTx
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if !s.isReplenisherTx(tx) {
			continue
		}
		rec, err := s.parse(tx)
		if err != nil {
			return nil, err
		}
		found = append(found, rec)
	}

	// 3. Insert oldest first and remember the newest txid
	err = storage.InTx(ctx, s.store, func(uow storage.UnitOfWork) error {
		for _, rec := range found {
			inserted, err := uow.Replenisher().Insert(ctx, rec)
			if err != nil {
				return fmt.Errorf("insert %s: %w", rec.TransactionID, err)
			}
			if inserted {
				res.Inserted++
			}
		}
		return checkpoint.Set(ctx, checkpoint.New(uow.KeyValues()), key, res.LastTxID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Scanned replenisher transactions", "checked", res.Checked, "inserted", res.Inserted, "last_txid", res.LastTxID)
	return res, nil
}

// isReplenisherTx reports whether tx has exactly two outputs: the marker
// OP_RETURN followed by a payment to the multisig.
func (s *Scanner) isReplenisherTx(tx *bitcoin.Transaction) bool {
	if len(tx.Vout) != 2 {
		return false
	}
	if tx.Vout[1].ScriptPubKeyAddress != s.multisigAddress {
		return false
	}
	if tx.Vout[0].ScriptPubKeyASM != markerASM {
		return false
	}
	if tx.Vout[0].Value != 0 {
		s.log.Warn("Replenisher OP_RETURN output carries value", "txid", tx.TxID, "value", tx.Vout[0].Value)
	}
	return true
}

func (s *Scanner) parse(tx *bitcoin.Transaction) (*domain.ReplenisherTx, error) {
	raw := tx.Raw
	if raw == nil {
		var err error
		if raw, err = json.Marshal(tx); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(map[string]json.RawMessage{"blockstream_transaction": raw})
	if err != nil {
		return nil, err
	}
	return &domain.ReplenisherTx{
		ConfigChain:      s.configChain,
		TransactionChain: s.transactionChain,
		TransactionID:    tx.TxID,
		BlockNumber:      tx.Status.BlockHeight,
		BlockTimestamp:   time.Unix(tx.Status.BlockTime, 0).UTC(),
		FeeSatoshi:       tx.Fee,
		AmountSatoshi:    tx.Vout[1].Value,
		RawData:          data,
	}, nil
}
