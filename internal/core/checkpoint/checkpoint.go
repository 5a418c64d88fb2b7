// Package checkpoint persists scan positions and status timestamps as JSON
// values under namespaced keys.
//
// # Keys
//
//	last-processed-block:{bridge}:{chain}          token bridge scan position
//	last-updated:{bridge}                          token bridge round timestamp
//	bidi-fastbtc:last-processed-block:{chain}      bidirectional FastBTC
//	bidi-fastbtc:last-updated:{chain}
//	fastbtc-in:last-processed-block:{chain}        FastBTC-in multisig
//	fastbtc-in:last-updated:{chain}
//	bidi-fastbtc-replenisher:last-processed-txid:{config_chain}
//
// A Store is bound to the key/value repository of one unit of work, so a
// checkpoint written through it commits together with the data it guards.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/storage"
)

// ErrRegression is returned by SetBlock when a checkpoint would move back.
var ErrRegression = errors.New("checkpoint regression")

// Store reads and writes checkpoints through a key/value repository.
type Store struct {
	repo storage.KeyValueRepository
}

// New binds a Store to repo.
func New(repo storage.KeyValueRepository) *Store {
	return &Store{repo: repo}
}

// Get returns the value stored under key, creating it with def first when
// the key is absent.
func Get[T any](ctx context.Context, s *Store, key string, def T) (T, error) {
	raw, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		if err := Set(ctx, s, key, def); err != nil {
			return def, err
		}
		return def, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// Set upserts value under key.
func Set[T any](ctx context.Context, s *Store, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.repo.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Block returns the block checkpoint under key, defaulting to def.
func (s *Store) Block(ctx context.Context, key string, def int64) (int64, error) {
	return Get(ctx, s, key, def)
}

// SetBlock stores a block checkpoint. Moving a checkpoint backwards is
// refused with ErrRegression.
func (s *Store) SetBlock(ctx context.Context, key string, block int64) error {
	raw, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if ok {
		var prev int64
		if err := json.Unmarshal(raw, &prev); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if block < prev {
			return fmt.Errorf("%w: %s from %d to %d", ErrRegression, key, prev, block)
		}
	}
	return Set(ctx, s, key, block)
}

// ForceBlock stores a block checkpoint without the regression guard. It is
// meant for operators rewinding a scanner.
func (s *Store) ForceBlock(ctx context.Context, key string, block int64) error {
	return Set(ctx, s, key, block)
}

// Touch stores now as an RFC 3339 timestamp under key.
func (s *Store) Touch(ctx context.Context, key string, now time.Time) error {
	return Set(ctx, s, key, now.UTC().Format(time.RFC3339))
}

// LastUpdated reads a timestamp written by Touch. The zero time is returned
// when the key is absent.
func (s *Store) LastUpdated(ctx context.Context, key string) (time.Time, error) {
	raw, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return t, nil
}

// All returns every stored checkpoint with the given prefix as raw JSON.
func (s *Store) All(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	return s.repo.List(ctx, prefix)
}
