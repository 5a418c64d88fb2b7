package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// BidiTransferRepo implements storage.BidiTransferRepository.
type BidiTransferRepo struct {
	tx *sqlx.Tx
}

type bidiRow struct {
	ID                 int64  `db:"id"`
	Chain              string `db:"chain"`
	TransferID         string `db:"transfer_id"`
	RSKAddress         string `db:"rsk_address"`
	BitcoinAddress     string `db:"bitcoin_address"`
	TotalAmountSatoshi int64  `db:"total_amount_satoshi"`
	NetAmountSatoshi   int64  `db:"net_amount_satoshi"`
	FeeSatoshi         int64  `db:"fee_satoshi"`
	Status             int    `db:"status"`
	BitcoinTxID        string `db:"bitcoin_tx_id"`
	TransferBatchSize  int    `db:"transfer_batch_size"`

	EventBlockNumber    int64        `db:"event_block_number"`
	EventBlockHash      string       `db:"event_block_hash"`
	EventBlockTimestamp sql.NullTime `db:"event_block_timestamp"`
	EventTxHash         string       `db:"event_transaction_hash"`
	EventLogIndex       int64        `db:"event_log_index"`

	SendingTxHash         sql.NullString `db:"marked_as_sending_transaction_hash"`
	SendingBlockHash      sql.NullString `db:"marked_as_sending_block_hash"`
	SendingBlockNumber    sql.NullInt64  `db:"marked_as_sending_block_number"`
	SendingBlockTimestamp sql.NullTime   `db:"marked_as_sending_block_timestamp"`
	SendingLogIndex       sql.NullInt64  `db:"marked_as_sending_log_index"`

	MinedTxHash         sql.NullString `db:"marked_as_mined_transaction_hash"`
	MinedBlockHash      sql.NullString `db:"marked_as_mined_block_hash"`
	MinedBlockNumber    sql.NullInt64  `db:"marked_as_mined_block_number"`
	MinedBlockTimestamp sql.NullTime   `db:"marked_as_mined_block_timestamp"`
	MinedLogIndex       sql.NullInt64  `db:"marked_as_mined_log_index"`

	RefundTxHash         sql.NullString `db:"refunded_or_reclaimed_transaction_hash"`
	RefundBlockHash      sql.NullString `db:"refunded_or_reclaimed_block_hash"`
	RefundBlockNumber    sql.NullInt64  `db:"refunded_or_reclaimed_block_number"`
	RefundBlockTimestamp sql.NullTime   `db:"refunded_or_reclaimed_block_timestamp"`
	RefundLogIndex       sql.NullInt64  `db:"refunded_or_reclaimed_log_index"`

	Ignored   bool         `db:"ignored"`
	CreatedOn sql.NullTime `db:"created_on"`
	UpdatedOn sql.NullTime `db:"updated_on"`
}

const bidiColumns = `
	id, chain, transfer_id, rsk_address, bitcoin_address,
	total_amount_satoshi, net_amount_satoshi, fee_satoshi, status, bitcoin_tx_id, transfer_batch_size,
	event_block_number, event_block_hash, event_block_timestamp, event_transaction_hash, event_log_index,
	marked_as_sending_transaction_hash, marked_as_sending_block_hash, marked_as_sending_block_number,
	marked_as_sending_block_timestamp, marked_as_sending_log_index,
	marked_as_mined_transaction_hash, marked_as_mined_block_hash, marked_as_mined_block_number,
	marked_as_mined_block_timestamp, marked_as_mined_log_index,
	refunded_or_reclaimed_transaction_hash, refunded_or_reclaimed_block_hash, refunded_or_reclaimed_block_number,
	refunded_or_reclaimed_block_timestamp, refunded_or_reclaimed_log_index,
	ignored, created_on, updated_on`

func newBidiRow(t *domain.BidiTransfer) bidiRow {
	sending := refToColumns(t.MarkedAsSending)
	mined := refToColumns(t.MarkedAsMined)
	refund := refToColumns(t.RefundedOrReclaimed)
	return bidiRow{
		ID:                    t.ID,
		Chain:                 string(t.Chain),
		TransferID:            t.TransferID,
		RSKAddress:            t.RSKAddress,
		BitcoinAddress:        t.BitcoinAddress,
		TotalAmountSatoshi:    t.TotalAmountSatoshi,
		NetAmountSatoshi:      t.NetAmountSatoshi,
		FeeSatoshi:            t.FeeSatoshi,
		Status:                int(t.Status),
		BitcoinTxID:           t.BitcoinTxID,
		TransferBatchSize:     t.TransferBatchSize,
		EventBlockNumber:      int64(t.Event.BlockNumber),
		EventBlockHash:        t.Event.BlockHash,
		EventBlockTimestamp:   sql.NullTime{Time: t.Event.BlockTimestamp, Valid: true},
		EventTxHash:           t.Event.TxHash,
		EventLogIndex:         int64(t.Event.LogIndex),
		SendingTxHash:         sending.TxHash,
		SendingBlockHash:      sending.BlockHash,
		SendingBlockNumber:    sending.BlockNumber,
		SendingBlockTimestamp: sending.BlockTimestamp,
		SendingLogIndex:       sending.LogIndex,
		MinedTxHash:           mined.TxHash,
		MinedBlockHash:        mined.BlockHash,
		MinedBlockNumber:      mined.BlockNumber,
		MinedBlockTimestamp:   mined.BlockTimestamp,
		MinedLogIndex:         mined.LogIndex,
		RefundTxHash:          refund.TxHash,
		RefundBlockHash:       refund.BlockHash,
		RefundBlockNumber:     refund.BlockNumber,
		RefundBlockTimestamp:  refund.BlockTimestamp,
		RefundLogIndex:        refund.LogIndex,
		Ignored:               t.Ignored,
		CreatedOn:             sql.NullTime{Time: t.CreatedOn, Valid: true},
		UpdatedOn:             sql.NullTime{Time: t.UpdatedOn, Valid: true},
	}
}

func (r bidiRow) toDomain() *domain.BidiTransfer {
	return &domain.BidiTransfer{
		ID:                 r.ID,
		Chain:              domain.ChainName(r.Chain),
		TransferID:         r.TransferID,
		RSKAddress:         r.RSKAddress,
		BitcoinAddress:     r.BitcoinAddress,
		TotalAmountSatoshi: r.TotalAmountSatoshi,
		NetAmountSatoshi:   r.NetAmountSatoshi,
		FeeSatoshi:         r.FeeSatoshi,
		Status:             domain.BidiStatus(r.Status),
		BitcoinTxID:        r.BitcoinTxID,
		TransferBatchSize:  r.TransferBatchSize,
		Event: domain.EventRef{
			BlockNumber:    uint64(r.EventBlockNumber),
			BlockHash:      r.EventBlockHash,
			BlockTimestamp: utc(r.EventBlockTimestamp.Time),
			TxHash:         r.EventTxHash,
			LogIndex:       uint(r.EventLogIndex),
		},
		MarkedAsSending: refColumns{
			r.SendingTxHash, r.SendingBlockHash, r.SendingBlockNumber, r.SendingBlockTimestamp, r.SendingLogIndex,
		}.ref(),
		MarkedAsMined: refColumns{
			r.MinedTxHash, r.MinedBlockHash, r.MinedBlockNumber, r.MinedBlockTimestamp, r.MinedLogIndex,
		}.ref(),
		RefundedOrReclaimed: refColumns{
			r.RefundTxHash, r.RefundBlockHash, r.RefundBlockNumber, r.RefundBlockTimestamp, r.RefundLogIndex,
		}.ref(),
		Ignored:   r.Ignored,
		CreatedOn: utc(r.CreatedOn.Time),
		UpdatedOn: utc(r.UpdatedOn.Time),
	}
}

func (r *BidiTransferRepo) Get(ctx context.Context, chain domain.ChainName, transferID string) (*domain.BidiTransfer, error) {
	var row bidiRow
	query := `SELECT ` + bidiColumns + ` FROM bidi_fastbtc_transfer WHERE chain = $1 AND transfer_id = $2`
	err := r.tx.GetContext(ctx, &row, query, string(chain), transferID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bidi transfer: %w", err)
	}
	return row.toDomain(), nil
}

func (r *BidiTransferRepo) Insert(ctx context.Context, t *domain.BidiTransfer) error {
	query := `
		INSERT INTO bidi_fastbtc_transfer (
			chain, transfer_id, rsk_address, bitcoin_address,
			total_amount_satoshi, net_amount_satoshi, fee_satoshi, status, bitcoin_tx_id, transfer_batch_size,
			event_block_number, event_block_hash, event_block_timestamp, event_transaction_hash, event_log_index,
			marked_as_sending_transaction_hash, marked_as_sending_block_hash, marked_as_sending_block_number,
			marked_as_sending_block_timestamp, marked_as_sending_log_index,
			marked_as_mined_transaction_hash, marked_as_mined_block_hash, marked_as_mined_block_number,
			marked_as_mined_block_timestamp, marked_as_mined_log_index,
			refunded_or_reclaimed_transaction_hash, refunded_or_reclaimed_block_hash, refunded_or_reclaimed_block_number,
			refunded_or_reclaimed_block_timestamp, refunded_or_reclaimed_log_index,
			ignored, created_on, updated_on
		) VALUES (
			:chain, :transfer_id, :rsk_address, :bitcoin_address,
			:total_amount_satoshi, :net_amount_satoshi, :fee_satoshi, :status, :bitcoin_tx_id, :transfer_batch_size,
			:event_block_number, :event_block_hash, :event_block_timestamp, :event_transaction_hash, :event_log_index,
			:marked_as_sending_transaction_hash, :marked_as_sending_block_hash, :marked_as_sending_block_number,
			:marked_as_sending_block_timestamp, :marked_as_sending_log_index,
			:marked_as_mined_transaction_hash, :marked_as_mined_block_hash, :marked_as_mined_block_number,
			:marked_as_mined_block_timestamp, :marked_as_mined_log_index,
			:refunded_or_reclaimed_transaction_hash, :refunded_or_reclaimed_block_hash, :refunded_or_reclaimed_block_number,
			:refunded_or_reclaimed_block_timestamp, :refunded_or_reclaimed_log_index,
			:ignored, :created_on, :updated_on
		)
		RETURNING id`
	id, err := insertReturningID(ctx, r.tx, query, newBidiRow(t))
	if err != nil {
		return fmt.Errorf("failed to insert bidi transfer: %w", err)
	}
	t.ID = id
	return nil
}

func (r *BidiTransferRepo) Update(ctx context.Context, t *domain.BidiTransfer) error {
	query := `
		UPDATE bidi_fastbtc_transfer SET
			status = :status,
			bitcoin_tx_id = :bitcoin_tx_id,
			transfer_batch_size = :transfer_batch_size,
			marked_as_sending_transaction_hash = :marked_as_sending_transaction_hash,
			marked_as_sending_block_hash = :marked_as_sending_block_hash,
			marked_as_sending_block_number = :marked_as_sending_block_number,
			marked_as_sending_block_timestamp = :marked_as_sending_block_timestamp,
			marked_as_sending_log_index = :marked_as_sending_log_index,
			marked_as_mined_transaction_hash = :marked_as_mined_transaction_hash,
			marked_as_mined_block_hash = :marked_as_mined_block_hash,
			marked_as_mined_block_number = :marked_as_mined_block_number,
			marked_as_mined_block_timestamp = :marked_as_mined_block_timestamp,
			marked_as_mined_log_index = :marked_as_mined_log_index,
			refunded_or_reclaimed_transaction_hash = :refunded_or_reclaimed_transaction_hash,
			refunded_or_reclaimed_block_hash = :refunded_or_reclaimed_block_hash,
			refunded_or_reclaimed_block_number = :refunded_or_reclaimed_block_number,
			refunded_or_reclaimed_block_timestamp = :refunded_or_reclaimed_block_timestamp,
			refunded_or_reclaimed_log_index = :refunded_or_reclaimed_log_index,
			ignored = :ignored,
			updated_on = :updated_on
		WHERE chain = :chain AND transfer_id = :transfer_id`
	n, err := execNamed(ctx, r.tx, query, newBidiRow(t))
	if err != nil {
		return fmt.Errorf("failed to update bidi transfer: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUnprocessed returns transfers that are not MINED, REFUNDED or RECLAIMED.
func (r *BidiTransferRepo) ListUnprocessed(ctx context.Context) ([]*domain.BidiTransfer, error) {
	var rows []bidiRow
	query := `SELECT ` + bidiColumns + `
		FROM bidi_fastbtc_transfer
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY id`
	err := r.tx.SelectContext(ctx, &rows, query,
		int(domain.BidiMined), int(domain.BidiRefunded), int(domain.BidiReclaimed))
	if err != nil {
		return nil, fmt.Errorf("failed to list bidi transfers: %w", err)
	}
	out := make([]*domain.BidiTransfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
