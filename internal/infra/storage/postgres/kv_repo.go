package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// KeyValueRepo implements storage.KeyValueRepository on key_value_pair.
type KeyValueRepo struct {
	tx *sqlx.Tx
}

type keyValueRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Get retrieves a value by key.
func (r *KeyValueRepo) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := r.tx.GetContext(ctx, &value, `SELECT value::text FROM key_value_pair WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// Set upserts a value.
func (r *KeyValueRepo) Set(ctx context.Context, key string, value json.RawMessage) error {
	query := `
		INSERT INTO key_value_pair (key, value)
		VALUES ($1, CAST($2 AS JSONB))
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := r.tx.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// List returns all pairs whose key starts with prefix.
func (r *KeyValueRepo) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	var rows []keyValueRow
	query := `SELECT key, value::text AS value FROM key_value_pair WHERE starts_with(key, $1) ORDER BY key`
	if err := r.tx.SelectContext(ctx, &rows, query, prefix); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	return out, nil
}
