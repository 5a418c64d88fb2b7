package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// AlertRepo implements storage.AlertRepository.
type AlertRepo struct {
	tx *sqlx.Tx
}

type alertRow struct {
	ID                int64        `db:"id"`
	Type              string       `db:"type"`
	CreatedOn         sql.NullTime `db:"created_on"`
	LastMessageSentOn sql.NullTime `db:"last_message_sent_on"`
	Resolved          bool         `db:"resolved"`
}

func newAlertRow(a *domain.Alert) alertRow {
	row := alertRow{
		ID:        a.ID,
		Type:      string(a.Type),
		CreatedOn: sql.NullTime{Time: a.CreatedOn, Valid: true},
		Resolved:  a.Resolved,
	}
	if a.LastMessageSentOn != nil {
		row.LastMessageSentOn = sql.NullTime{Time: *a.LastMessageSentOn, Valid: true}
	}
	return row
}

func (r alertRow) toDomain() *domain.Alert {
	a := &domain.Alert{
		ID:        r.ID,
		Type:      domain.AlertType(r.Type),
		CreatedOn: utc(r.CreatedOn.Time),
		Resolved:  r.Resolved,
	}
	if r.LastMessageSentOn.Valid {
		sent := utc(r.LastMessageSentOn.Time)
		a.LastMessageSentOn = &sent
	}
	return a
}

func (r *AlertRepo) ListUnresolved(ctx context.Context, alertType domain.AlertType) ([]*domain.Alert, error) {
	var rows []alertRow
	query := `
		SELECT id, type, created_on, last_message_sent_on, resolved
		FROM alert
		WHERE type = $1 AND NOT resolved
		ORDER BY id`
	if err := r.tx.SelectContext(ctx, &rows, query, string(alertType)); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := make([]*domain.Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *AlertRepo) Insert(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO alert (type, created_on, last_message_sent_on, resolved)
		VALUES (:type, :created_on, :last_message_sent_on, :resolved)
		RETURNING id`
	id, err := insertReturningID(ctx, r.tx, query, newAlertRow(a))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.ID = id
	return nil
}

func (r *AlertRepo) Update(ctx context.Context, a *domain.Alert) error {
	query := `
		UPDATE alert
		SET last_message_sent_on = :last_message_sent_on, resolved = :resolved
		WHERE id = :id`
	n, err := execNamed(ctx, r.tx, query, newAlertRow(a))
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReplenisherRepo implements storage.ReplenisherRepository.
type ReplenisherRepo struct {
	tx *sqlx.Tx
}

func (r *ReplenisherRepo) Insert(ctx context.Context, t *domain.ReplenisherTx) (bool, error) {
	raw := string(t.RawData)
	if raw == "" {
		raw = "{}"
	}
	query := `
		INSERT INTO replenisher_transaction (
			config_chain, transaction_chain, transaction_id, block_number, block_timestamp,
			fee_satoshi, amount_satoshi, raw_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, CAST($8 AS JSONB))
		ON CONFLICT (config_chain, transaction_id) DO NOTHING`
	res, err := r.tx.ExecContext(ctx, query,
		string(t.ConfigChain), string(t.TransactionChain), t.TransactionID,
		int64(t.BlockNumber), t.BlockTimestamp, t.FeeSatoshi, t.AmountSatoshi, raw,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert replenisher transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
