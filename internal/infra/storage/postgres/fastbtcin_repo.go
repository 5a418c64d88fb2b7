package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// FastBTCInRepo implements storage.FastBTCInRepository.
type FastBTCInRepo struct {
	tx *sqlx.Tx
}

type fastBTCInRow struct {
	ID                  int64  `db:"id"`
	Chain               string `db:"chain"`
	MultisigTxID        int64  `db:"multisig_tx_id"`
	RSKReceiverAddress  string `db:"rsk_receiver_address"`
	BitcoinTxHash       string `db:"bitcoin_tx_hash"`
	BitcoinTxVout       int64  `db:"bitcoin_tx_vout"`
	TransferFunction    string `db:"transfer_function"`
	NetAmountWei        string `db:"net_amount_wei"`
	FeeWei              string `db:"fee_wei"`
	Status              int    `db:"status"`
	NumConfirmations    int    `db:"num_confirmations"`
	HasExecutionFailure bool   `db:"has_execution_failure"`

	SubmissionTxHash         sql.NullString `db:"submission_transaction_hash"`
	SubmissionBlockHash      sql.NullString `db:"submission_block_hash"`
	SubmissionBlockNumber    sql.NullInt64  `db:"submission_block_number"`
	SubmissionBlockTimestamp sql.NullTime   `db:"submission_block_timestamp"`
	SubmissionLogIndex       sql.NullInt64  `db:"submission_log_index"`

	ExecutedTxHash         sql.NullString `db:"executed_transaction_hash"`
	ExecutedBlockHash      sql.NullString `db:"executed_block_hash"`
	ExecutedBlockNumber    sql.NullInt64  `db:"executed_block_number"`
	ExecutedBlockTimestamp sql.NullTime   `db:"executed_block_timestamp"`
	ExecutedLogIndex       sql.NullInt64  `db:"executed_log_index"`

	ExtraData string       `db:"extra_data"`
	Ignored   bool         `db:"ignored"`
	SeenOn    sql.NullTime `db:"seen_on"`
	UpdatedOn sql.NullTime `db:"updated_on"`
}

const fastBTCInColumns = `
	id, chain, multisig_tx_id, rsk_receiver_address, bitcoin_tx_hash, bitcoin_tx_vout, transfer_function,
	net_amount_wei::text AS net_amount_wei, fee_wei::text AS fee_wei,
	status, num_confirmations, has_execution_failure,
	submission_transaction_hash, submission_block_hash, submission_block_number,
	submission_block_timestamp, submission_log_index,
	executed_transaction_hash, executed_block_hash, executed_block_number,
	executed_block_timestamp, executed_log_index,
	extra_data::text AS extra_data, ignored, seen_on, updated_on`

func newFastBTCInRow(t *domain.FastBTCInTransfer) (fastBTCInRow, error) {
	extra, err := json.Marshal(t.Extra)
	if err != nil {
		return fastBTCInRow{}, fmt.Errorf("encode extra data: %w", err)
	}
	sub := refToColumns(t.Submission)
	exec := refToColumns(t.Executed)
	return fastBTCInRow{
		ID:                       t.ID,
		Chain:                    string(t.Chain),
		MultisigTxID:             t.MultisigTxID,
		RSKReceiverAddress:       t.RSKReceiverAddress,
		BitcoinTxHash:            t.BitcoinTxHash,
		BitcoinTxVout:            t.BitcoinTxVout,
		TransferFunction:         t.TransferFunction,
		NetAmountWei:             bigToNumeric(t.NetAmountWei),
		FeeWei:                   bigToNumeric(t.FeeWei),
		Status:                   int(t.Status),
		NumConfirmations:         t.NumConfirmations,
		HasExecutionFailure:      t.HasExecutionFailure,
		SubmissionTxHash:         sub.TxHash,
		SubmissionBlockHash:      sub.BlockHash,
		SubmissionBlockNumber:    sub.BlockNumber,
		SubmissionBlockTimestamp: sub.BlockTimestamp,
		SubmissionLogIndex:       sub.LogIndex,
		ExecutedTxHash:           exec.TxHash,
		ExecutedBlockHash:        exec.BlockHash,
		ExecutedBlockNumber:      exec.BlockNumber,
		ExecutedBlockTimestamp:   exec.BlockTimestamp,
		ExecutedLogIndex:         exec.LogIndex,
		ExtraData:                string(extra),
		Ignored:                  t.Ignored,
		SeenOn:                   sql.NullTime{Time: t.SeenOn, Valid: true},
		UpdatedOn:                sql.NullTime{Time: t.UpdatedOn, Valid: true},
	}, nil
}

func (r fastBTCInRow) toDomain() (*domain.FastBTCInTransfer, error) {
	net, err := numericToBig(r.NetAmountWei)
	if err != nil {
		return nil, fmt.Errorf("fastbtc-in %d net amount: %w", r.MultisigTxID, err)
	}
	fee, err := numericToBig(r.FeeWei)
	if err != nil {
		return nil, fmt.Errorf("fastbtc-in %d fee: %w", r.MultisigTxID, err)
	}
	var extra domain.FastBTCInExtra
	if err := json.Unmarshal([]byte(r.ExtraData), &extra); err != nil {
		return nil, fmt.Errorf("fastbtc-in %d extra data: %w", r.MultisigTxID, err)
	}
	return &domain.FastBTCInTransfer{
		ID:                  r.ID,
		Chain:               domain.ChainName(r.Chain),
		MultisigTxID:        r.MultisigTxID,
		RSKReceiverAddress:  r.RSKReceiverAddress,
		BitcoinTxHash:       r.BitcoinTxHash,
		BitcoinTxVout:       r.BitcoinTxVout,
		TransferFunction:    r.TransferFunction,
		NetAmountWei:        net,
		FeeWei:              fee,
		Status:              domain.FastBTCInStatus(r.Status),
		NumConfirmations:    r.NumConfirmations,
		HasExecutionFailure: r.HasExecutionFailure,
		Submission: refColumns{
			r.SubmissionTxHash, r.SubmissionBlockHash, r.SubmissionBlockNumber,
			r.SubmissionBlockTimestamp, r.SubmissionLogIndex,
		}.ref(),
		Executed: refColumns{
			r.ExecutedTxHash, r.ExecutedBlockHash, r.ExecutedBlockNumber,
			r.ExecutedBlockTimestamp, r.ExecutedLogIndex,
		}.ref(),
		Extra:     extra,
		Ignored:   r.Ignored,
		SeenOn:    utc(r.SeenOn.Time),
		UpdatedOn: utc(r.UpdatedOn.Time),
	}, nil
}

func (r *FastBTCInRepo) Get(ctx context.Context, chain domain.ChainName, multisigTxID int64) (*domain.FastBTCInTransfer, error) {
	var row fastBTCInRow
	query := `SELECT ` + fastBTCInColumns + ` FROM fastbtc_in_transfer WHERE chain = $1 AND multisig_tx_id = $2`
	err := r.tx.GetContext(ctx, &row, query, string(chain), multisigTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fastbtc-in transfer: %w", err)
	}
	return row.toDomain()
}

func (r *FastBTCInRepo) Insert(ctx context.Context, t *domain.FastBTCInTransfer) error {
	row, err := newFastBTCInRow(t)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO fastbtc_in_transfer (
			chain, multisig_tx_id, rsk_receiver_address, bitcoin_tx_hash, bitcoin_tx_vout, transfer_function,
			net_amount_wei, fee_wei, status, num_confirmations, has_execution_failure,
			submission_transaction_hash, submission_block_hash, submission_block_number,
			submission_block_timestamp, submission_log_index,
			executed_transaction_hash, executed_block_hash, executed_block_number,
			executed_block_timestamp, executed_log_index,
			extra_data, ignored, seen_on, updated_on
		) VALUES (
			:chain, :multisig_tx_id, :rsk_receiver_address, :bitcoin_tx_hash, :bitcoin_tx_vout, :transfer_function,
			CAST(:net_amount_wei AS NUMERIC), CAST(:fee_wei AS NUMERIC), :status, :num_confirmations, :has_execution_failure,
			:submission_transaction_hash, :submission_block_hash, :submission_block_number,
			:submission_block_timestamp, :submission_log_index,
			:executed_transaction_hash, :executed_block_hash, :executed_block_number,
			:executed_block_timestamp, :executed_log_index,
			CAST(:extra_data AS JSONB), :ignored, :seen_on, :updated_on
		)
		RETURNING id`
	id, err := insertReturningID(ctx, r.tx, query, row)
	if err != nil {
		return fmt.Errorf("failed to insert fastbtc-in transfer: %w", err)
	}
	t.ID = id
	return nil
}

func (r *FastBTCInRepo) Update(ctx context.Context, t *domain.FastBTCInTransfer) error {
	row, err := newFastBTCInRow(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE fastbtc_in_transfer SET
			rsk_receiver_address = :rsk_receiver_address,
			bitcoin_tx_hash = :bitcoin_tx_hash,
			bitcoin_tx_vout = :bitcoin_tx_vout,
			transfer_function = :transfer_function,
			net_amount_wei = CAST(:net_amount_wei AS NUMERIC),
			fee_wei = CAST(:fee_wei AS NUMERIC),
			status = :status,
			num_confirmations = :num_confirmations,
			has_execution_failure = :has_execution_failure,
			submission_transaction_hash = :submission_transaction_hash,
			submission_block_hash = :submission_block_hash,
			submission_block_number = :submission_block_number,
			submission_block_timestamp = :submission_block_timestamp,
			submission_log_index = :submission_log_index,
			executed_transaction_hash = :executed_transaction_hash,
			executed_block_hash = :executed_block_hash,
			executed_block_number = :executed_block_number,
			executed_block_timestamp = :executed_block_timestamp,
			executed_log_index = :executed_log_index,
			extra_data = CAST(:extra_data AS JSONB),
			ignored = :ignored,
			updated_on = :updated_on
		WHERE chain = :chain AND multisig_tx_id = :multisig_tx_id`
	n, err := execNamed(ctx, r.tx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update fastbtc-in transfer: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *FastBTCInRepo) ListUnprocessed(ctx context.Context) ([]*domain.FastBTCInTransfer, error) {
	var rows []fastBTCInRow
	query := `SELECT ` + fastBTCInColumns + `
		FROM fastbtc_in_transfer
		WHERE status <> $1
		ORDER BY id`
	if err := r.tx.SelectContext(ctx, &rows, query, int(domain.FastBTCInExecuted)); err != nil {
		return nil, fmt.Errorf("failed to list fastbtc-in transfers: %w", err)
	}
	out := make([]*domain.FastBTCInTransfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
