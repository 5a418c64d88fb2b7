package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// UnitOfWork bundles all persistence operations of a round into a single
// database transaction.
type UnitOfWork struct {
	tx    *sqlx.Tx
	hooks storage.Hooks
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

func (u *UnitOfWork) KeyValues() storage.KeyValueRepository {
	return &KeyValueRepo{tx: u.tx}
}

func (u *UnitOfWork) Transfers() storage.TransferRepository {
	return &TransferRepo{tx: u.tx}
}

func (u *UnitOfWork) BidiTransfers() storage.BidiTransferRepository {
	return &BidiTransferRepo{tx: u.tx}
}

func (u *UnitOfWork) FastBTCIn() storage.FastBTCInRepository {
	return &FastBTCInRepo{tx: u.tx}
}

func (u *UnitOfWork) Bookkeepers() storage.BookkeeperRepository {
	return &BookkeeperRepo{tx: u.tx}
}

func (u *UnitOfWork) Traces() storage.TraceRepository {
	return &TraceRepo{tx: u.tx}
}

func (u *UnitOfWork) Alerts() storage.AlertRepository {
	return &AlertRepo{tx: u.tx}
}

func (u *UnitOfWork) Replenisher() storage.ReplenisherRepository {
	return &ReplenisherRepo{tx: u.tx}
}

// AfterCommit registers fn to run after a successful commit.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.hooks.Add(fn)
}

// Commit commits the transaction and runs after-commit hooks.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return storage.ErrTxDone
	}
	err := u.tx.Commit()
	u.tx = nil
	if err != nil {
		u.hooks.Reset()
		return err
	}
	u.hooks.Run()
	return nil
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	u.hooks.Reset()
	return err
}

// isUniqueViolation reports whether err is a unique constraint violation
// from either supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// insertReturningID runs a named INSERT ... RETURNING id query for arg.
func insertReturningID(ctx context.Context, tx *sqlx.Tx, query string, arg any) (int64, error) {
	q, args, err := sqlx.Named(query, arg)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowxContext(ctx, tx.Rebind(q), args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

// execNamed runs a named statement and returns the affected row count.
func execNamed(ctx context.Context, tx *sqlx.Tx, query string, arg any) (int64, error) {
	res, err := tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------
// Column helpers
// -----------------------------------------------------------------------------

// refColumns is the nullable column group of an optional EventRef.
type refColumns struct {
	TxHash         sql.NullString
	BlockHash      sql.NullString
	BlockNumber    sql.NullInt64
	BlockTimestamp sql.NullTime
	LogIndex       sql.NullInt64
}

func refToColumns(r *domain.EventRef) refColumns {
	if r == nil {
		return refColumns{}
	}
	return refColumns{
		TxHash:         sql.NullString{String: r.TxHash, Valid: true},
		BlockHash:      sql.NullString{String: r.BlockHash, Valid: true},
		BlockNumber:    sql.NullInt64{Int64: int64(r.BlockNumber), Valid: true},
		BlockTimestamp: sql.NullTime{Time: r.BlockTimestamp, Valid: true},
		LogIndex:       sql.NullInt64{Int64: int64(r.LogIndex), Valid: true},
	}
}

func (c refColumns) ref() *domain.EventRef {
	if !c.TxHash.Valid {
		return nil
	}
	return &domain.EventRef{
		BlockNumber:    uint64(c.BlockNumber.Int64),
		BlockHash:      c.BlockHash.String,
		BlockTimestamp: c.BlockTimestamp.Time.UTC(),
		TxHash:         c.TxHash.String,
		LogIndex:       uint(c.LogIndex.Int64),
	}
}

func bigToNumeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func numericToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
