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

// TransferRepo implements storage.TransferRepository.
type TransferRepo struct {
	tx *sqlx.Tx
}

type transferRow struct {
	ID               int64  `db:"id"`
	FromChain        string `db:"from_chain"`
	ToChain          string `db:"to_chain"`
	TransactionID    string `db:"transaction_id"`
	TransactionIDOld string `db:"transaction_id_old"`
	ReceiverAddress  string `db:"receiver_address"`
	DepositorAddress string `db:"depositor_address"`
	TokenAddress     string `db:"token_address"`
	TokenSymbol      string `db:"token_symbol"`
	TokenDecimals    int    `db:"token_decimals"`
	AmountWei        string `db:"amount_wei"`
	UserData         string `db:"user_data"`

	EventBlockNumber    int64        `db:"event_block_number"`
	EventBlockHash      string       `db:"event_block_hash"`
	EventBlockTimestamp sql.NullTime `db:"event_block_timestamp"`
	EventTxHash         string       `db:"event_transaction_hash"`
	EventLogIndex       int64        `db:"event_log_index"`

	WasProcessed           bool           `db:"was_processed"`
	NumVotes               int            `db:"num_votes"`
	ExecutedTxHash         sql.NullString `db:"executed_transaction_hash"`
	ExecutedBlockHash      sql.NullString `db:"executed_block_hash"`
	ExecutedBlockNumber    sql.NullInt64  `db:"executed_block_number"`
	ExecutedBlockTimestamp sql.NullTime   `db:"executed_block_timestamp"`
	ExecutedLogIndex       sql.NullInt64  `db:"executed_log_index"`
	HasErrorEvents         bool           `db:"has_error_token_receiver_events"`
	ErrorData              string         `db:"error_data"`

	Ignored   bool         `db:"ignored"`
	CreatedOn sql.NullTime `db:"created_on"`
	UpdatedOn sql.NullTime `db:"updated_on"`
}

const transferColumns = `
	id, from_chain, to_chain, transaction_id, transaction_id_old,
	receiver_address, depositor_address, token_address, token_symbol, token_decimals,
	amount_wei::text AS amount_wei, user_data,
	event_block_number, event_block_hash, event_block_timestamp, event_transaction_hash, event_log_index,
	was_processed, num_votes,
	executed_transaction_hash, executed_block_hash, executed_block_number, executed_block_timestamp, executed_log_index,
	has_error_token_receiver_events, error_data,
	ignored, created_on, updated_on`

func newTransferRow(t *domain.Transfer) transferRow {
	exec := refToColumns(t.Executed)
	return transferRow{
		ID:                     t.ID,
		FromChain:              string(t.FromChain),
		ToChain:                string(t.ToChain),
		TransactionID:          t.TransactionID,
		TransactionIDOld:       t.TransactionIDOld,
		ReceiverAddress:        t.ReceiverAddress,
		DepositorAddress:       t.DepositorAddress,
		TokenAddress:           t.TokenAddress,
		TokenSymbol:            t.TokenSymbol,
		TokenDecimals:          t.TokenDecimals,
		AmountWei:              bigToNumeric(t.AmountWei),
		UserData:               t.UserData,
		EventBlockNumber:       int64(t.Event.BlockNumber),
		EventBlockHash:         t.Event.BlockHash,
		EventBlockTimestamp:    sql.NullTime{Time: t.Event.BlockTimestamp, Valid: true},
		EventTxHash:            t.Event.TxHash,
		EventLogIndex:          int64(t.Event.LogIndex),
		WasProcessed:           t.WasProcessed,
		NumVotes:               t.NumVotes,
		ExecutedTxHash:         exec.TxHash,
		ExecutedBlockHash:      exec.BlockHash,
		ExecutedBlockNumber:    exec.BlockNumber,
		ExecutedBlockTimestamp: exec.BlockTimestamp,
		ExecutedLogIndex:       exec.LogIndex,
		HasErrorEvents:         t.HasErrorTokenReceiverEvents,
		ErrorData:              t.ErrorData,
		Ignored:                t.Ignored,
		CreatedOn:              sql.NullTime{Time: t.CreatedOn, Valid: true},
		UpdatedOn:              sql.NullTime{Time: t.UpdatedOn, Valid: true},
	}
}

func (r transferRow) toDomain() (*domain.Transfer, error) {
	amount, err := numericToBig(r.AmountWei)
	if err != nil {
		return nil, fmt.Errorf("transfer %d amount: %w", r.ID, err)
	}
	exec := refColumns{
		TxHash:         r.ExecutedTxHash,
		BlockHash:      r.ExecutedBlockHash,
		BlockNumber:    r.ExecutedBlockNumber,
		BlockTimestamp: r.ExecutedBlockTimestamp,
		LogIndex:       r.ExecutedLogIndex,
	}
	return &domain.Transfer{
		ID:               r.ID,
		FromChain:        domain.ChainName(r.FromChain),
		ToChain:          domain.ChainName(r.ToChain),
		TransactionID:    r.TransactionID,
		TransactionIDOld: r.TransactionIDOld,
		ReceiverAddress:  r.ReceiverAddress,
		DepositorAddress: r.DepositorAddress,
		TokenAddress:     r.TokenAddress,
		TokenSymbol:      r.TokenSymbol,
		TokenDecimals:    r.TokenDecimals,
		AmountWei:        amount,
		UserData:         r.UserData,
		Event: domain.EventRef{
			BlockNumber:    uint64(r.EventBlockNumber),
			BlockHash:      r.EventBlockHash,
			BlockTimestamp: utc(r.EventBlockTimestamp.Time),
			TxHash:         r.EventTxHash,
			LogIndex:       uint(r.EventLogIndex),
		},
		WasProcessed:                r.WasProcessed,
		NumVotes:                    r.NumVotes,
		Executed:                    exec.ref(),
		HasErrorTokenReceiverEvents: r.HasErrorEvents,
		ErrorData:                   r.ErrorData,
		Ignored:                     r.Ignored,
		CreatedOn:                   utc(r.CreatedOn.Time),
		UpdatedOn:                   utc(r.UpdatedOn.Time),
	}, nil
}

// Get retrieves a transfer by natural key.
func (r *TransferRepo) Get(ctx context.Context, key domain.TransferKey) (*domain.Transfer, error) {
	var row transferRow
	query := `SELECT ` + transferColumns + `
		FROM transfer
		WHERE transaction_id = $1 AND from_chain = $2 AND to_chain = $3`
	err := r.tx.GetContext(ctx, &row, query, key.TransactionID, string(key.FromChain), string(key.ToChain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return row.toDomain()
}

// Insert creates a transfer and sets its ID.
func (r *TransferRepo) Insert(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfer (
			from_chain, to_chain, transaction_id, transaction_id_old,
			receiver_address, depositor_address, token_address, token_symbol, token_decimals,
			amount_wei, user_data,
			event_block_number, event_block_hash, event_block_timestamp, event_transaction_hash, event_log_index,
			was_processed, num_votes,
			executed_transaction_hash, executed_block_hash, executed_block_number, executed_block_timestamp, executed_log_index,
			has_error_token_receiver_events, error_data,
			ignored, created_on, updated_on
		) VALUES (
			:from_chain, :to_chain, :transaction_id, :transaction_id_old,
			:receiver_address, :depositor_address, :token_address, :token_symbol, :token_decimals,
			CAST(:amount_wei AS NUMERIC), :user_data,
			:event_block_number, :event_block_hash, :event_block_timestamp, :event_transaction_hash, :event_log_index,
			:was_processed, :num_votes,
			:executed_transaction_hash, :executed_block_hash, :executed_block_number, :executed_block_timestamp, :executed_log_index,
			:has_error_token_receiver_events, :error_data,
			:ignored, :created_on, :updated_on
		)
		RETURNING id`
	id, err := insertReturningID(ctx, r.tx, query, newTransferRow(t))
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	t.ID = id
	return nil
}

// Update writes the mutable columns of a transfer.
func (r *TransferRepo) Update(ctx context.Context, t *domain.Transfer) error {
	query := `
		UPDATE transfer SET
			was_processed = :was_processed,
			num_votes = :num_votes,
			executed_transaction_hash = :executed_transaction_hash,
			executed_block_hash = :executed_block_hash,
			executed_block_number = :executed_block_number,
			executed_block_timestamp = :executed_block_timestamp,
			executed_log_index = :executed_log_index,
			has_error_token_receiver_events = :has_error_token_receiver_events,
			error_data = :error_data,
			ignored = :ignored,
			updated_on = :updated_on
		WHERE transaction_id = :transaction_id AND from_chain = :from_chain AND to_chain = :to_chain`
	n, err := execNamed(ctx, r.tx, query, newTransferRow(t))
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUnprocessed returns transfers that were not processed yet.
func (r *TransferRepo) ListUnprocessed(ctx context.Context) ([]*domain.Transfer, error) {
	var rows []transferRow
	query := `SELECT ` + transferColumns + `
		FROM transfer
		WHERE NOT was_processed
		ORDER BY id`
	if err := r.tx.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	out := make([]*domain.Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
