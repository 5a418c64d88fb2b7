package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// BookkeeperRepo implements storage.BookkeeperRepository.
type BookkeeperRepo struct {
	tx *sqlx.Tx
}

type bookkeeperRow struct {
	Address        string        `db:"address"`
	Name           string        `db:"name"`
	Start          int64         `db:"start"`
	End            sql.NullInt64 `db:"end"`
	LowestScanned  int64         `db:"lowest_scanned"`
	NextToScanHigh int64         `db:"next_to_scan_high"`
	CreatedOn      sql.NullTime  `db:"created_on"`
	UpdatedOn      sql.NullTime  `db:"updated_on"`
}

const bookkeeperColumns = `address, name, start, "end", lowest_scanned, next_to_scan_high, created_on, updated_on`

func (r bookkeeperRow) toDomain() *domain.AddressBookkeeper {
	b := &domain.AddressBookkeeper{
		Address:        r.Address,
		Name:           r.Name,
		Start:          uint64(r.Start),
		LowestScanned:  uint64(r.LowestScanned),
		NextToScanHigh: uint64(r.NextToScanHigh),
		CreatedOn:      utc(r.CreatedOn.Time),
		UpdatedOn:      utc(r.UpdatedOn.Time),
	}
	if r.End.Valid {
		end := uint64(r.End.Int64)
		b.End = &end
	}
	return b
}

func (r *BookkeeperRepo) Get(ctx context.Context, address string) (*domain.AddressBookkeeper, error) {
	var row bookkeeperRow
	query := `SELECT ` + bookkeeperColumns + ` FROM address_bookkeeper WHERE address = $1`
	err := r.tx.GetContext(ctx, &row, query, strings.ToLower(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bookkeeper: %w", err)
	}
	return row.toDomain(), nil
}

func (r *BookkeeperRepo) Insert(ctx context.Context, b *domain.AddressBookkeeper) (bool, error) {
	var end sql.NullInt64
	if b.End != nil {
		end = sql.NullInt64{Int64: int64(*b.End), Valid: true}
	}
	query := `
		INSERT INTO address_bookkeeper (` + bookkeeperColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (address) DO NOTHING`
	res, err := r.tx.ExecContext(ctx, query,
		b.Address, b.Name, int64(b.Start), end,
		int64(b.LowestScanned), int64(b.NextToScanHigh), b.CreatedOn, b.UpdatedOn,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert bookkeeper: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *BookkeeperRepo) UpdateCursors(ctx context.Context, b *domain.AddressBookkeeper) error {
	query := `
		UPDATE address_bookkeeper
		SET lowest_scanned = $2, next_to_scan_high = $3, updated_on = $4
		WHERE address = $1`
	res, err := r.tx.ExecContext(ctx, query,
		b.Address, int64(b.LowestScanned), int64(b.NextToScanHigh), b.UpdatedOn)
	if err != nil {
		return fmt.Errorf("failed to update bookkeeper: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *BookkeeperRepo) Delete(ctx context.Context, address string) error {
	_, err := r.tx.ExecContext(ctx, `DELETE FROM address_bookkeeper WHERE address = $1`, strings.ToLower(address))
	if err != nil {
		return fmt.Errorf("failed to delete bookkeeper: %w", err)
	}
	return nil
}

func (r *BookkeeperRepo) List(ctx context.Context) ([]*domain.AddressBookkeeper, error) {
	var rows []bookkeeperRow
	query := `SELECT ` + bookkeeperColumns + ` FROM address_bookkeeper ORDER BY address`
	if err := r.tx.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list bookkeepers: %w", err)
	}
	out := make([]*domain.AddressBookkeeper, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// TraceRepo implements storage.TraceRepository.
type TraceRepo struct {
	tx *sqlx.Tx
}

func (r *TraceRepo) Exists(ctx context.Context, txHash string, traceIndex int) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM trace WHERE tx_hash = $1 AND trace_index = $2)`
	if err := r.tx.GetContext(ctx, &exists, query, txHash, traceIndex); err != nil {
		return false, fmt.Errorf("failed to check trace: %w", err)
	}
	return exists, nil
}

func (r *TraceRepo) Insert(ctx context.Context, t *domain.TraceRecord) (bool, error) {
	var traceErr sql.NullString
	if t.Error != "" {
		traceErr = sql.NullString{String: t.Error, Valid: true}
	}
	raw := string(t.Raw)
	if raw == "" {
		raw = "{}"
	}
	query := `
		INSERT INTO trace (
			tx_hash, trace_index, block_number, block_time, chain_id,
			from_address, to_address, value, error, unmapped
		) VALUES ($1, $2, $3, $4, $5, $6, $7, CAST($8 AS NUMERIC), $9, CAST($10 AS JSONB))
		ON CONFLICT (tx_hash, trace_index) DO NOTHING`
	res, err := r.tx.ExecContext(ctx, query,
		t.TxHash, t.TraceIndex, int64(t.BlockNumber), t.BlockTime, t.ChainID,
		strings.ToLower(t.FromAddress), strings.ToLower(t.ToAddress), bigToNumeric(t.Value), traceErr, raw,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NetValue sums incoming minus outgoing value of non-errored traces.
func (r *TraceRepo) NetValue(ctx context.Context, address string, fromBlock, toBlock uint64) (*big.Int, error) {
	var net string
	query := `
		SELECT (
			COALESCE(SUM(value) FILTER (WHERE to_address = $1), 0) -
			COALESCE(SUM(value) FILTER (WHERE from_address = $1), 0)
		)::text
		FROM trace
		WHERE (to_address = $1 OR from_address = $1)
			AND block_number BETWEEN $2 AND $3
			AND error IS NULL`
	if err := r.tx.GetContext(ctx, &net, query, strings.ToLower(address), int64(fromBlock), int64(toBlock)); err != nil {
		return nil, fmt.Errorf("failed to sum traces: %w", err)
	}
	return numericToBig(net)
}
