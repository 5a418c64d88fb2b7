// Package fetcher retrieves on-chain events over large block ranges by
// splitting them into batches and retrying each batch.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

const (
	// DefaultBatchSize is the default sub-range width.
	DefaultBatchSize uint64 = 100
	// BridgeBatchSize is used for token bridge events.
	BridgeBatchSize uint64 = 250
)

// Range is an inclusive block range.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Split splits [from, to] into sub-ranges [s, min(s+batch, to)] where the
// next s is the previous end plus one. Consecutive sub-ranges therefore
// cover batch+1 blocks each.
func Split(from, to, batch uint64) ([]Range, error) {
	if to < from {
		return nil, fmt.Errorf("invalid range: to block %d is before from block %d", to, from)
	}
	if batch == 0 {
		batch = DefaultBatchSize
	}

	var chunks []Range
	for start := from; ; {
		end := min(start+batch, to)
		chunks = append(chunks, Range{Start: start, End: end})
		if end >= to {
			break
		}
		start = end + 1
	}
	return chunks, nil
}

// FetchFunc retrieves the results of a single inclusive range.
type FetchFunc[T any] func(ctx context.Context, r Range) ([]T, error)

// Fetcher runs range fetches in batches under a retry policy.
type Fetcher struct {
	BatchSize uint64
	Policy    routing.RetryPolicy
}

// New returns a fetcher using routing.FetchPolicy.
func New(batchSize uint64) *Fetcher {
	return &Fetcher{BatchSize: batchSize, Policy: routing.FetchPolicy}
}

// Fetch retrieves [from, to] batch by batch, sequentially, and concatenates
// the results in range order. The first batch that exhausts its retries
// fails the whole fetch.
func Fetch[T any](ctx context.Context, f *Fetcher, from, to uint64, fn FetchFunc[T]) ([]T, error) {
	chunks, err := Split(from, to, f.BatchSize)
	if err != nil {
		return nil, err
	}

	var out []T
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := routing.Retry(ctx, f.Policy, func(ctx context.Context) ([]T, error) {
			return fn(ctx, chunk)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch blocks %s: %w", chunk, err)
		}
		if len(chunks) > 1 {
			slog.Debug("Fetched block range", "range", chunk.String(), "items", len(items))
		}
		out = append(out, items...)
	}
	return out, nil
}

// Window is the inclusive block range a round processes. Bounds are signed
// so that a window ending before block 0 can be represented.
type Window struct {
	From int64
	To   int64
}

// Empty reports whether the window contains no blocks.
func (w Window) Empty() bool {
	return w.From > w.To
}

// WindowOptions bound a window.
type WindowOptions struct {
	MinConfirmations uint64
	// MaxBlocks caps the window to From+MaxBlocks when set.
	MaxBlocks uint64
	// MaxBlocksFromNow moves From forward to To-MaxBlocksFromNow when the
	// backlog is larger.
	MaxBlocksFromNow uint64
}

// NewWindow computes the window following checkpoint, the last processed
// block.
func NewWindow(checkpoint int64, head uint64, opts WindowOptions) Window {
	w := Window{
		From: checkpoint + 1,
		To:   int64(head) - int64(opts.MinConfirmations),
	}
	if n := int64(opts.MaxBlocksFromNow); n > 0 && w.To-n > w.From {
		w.From = w.To - n
	}
	if opts.MaxBlocks > 0 {
		w.To = min(w.From+int64(opts.MaxBlocks), w.To)
	}
	return w
}

// BlockTimeSource resolves block timestamps by hash.
type BlockTimeSource interface {
	BlockTime(ctx context.Context, hash common.Hash) (time.Time, error)
}

// BlockTimes resolves the timestamp of every distinct block that emitted one
// of logs.
func BlockTimes(ctx context.Context, src BlockTimeSource, policy routing.RetryPolicy, logs []types.Log) (map[common.Hash]time.Time, error) {
	out := make(map[common.Hash]time.Time)
	for _, l := range logs {
		if _, ok := out[l.BlockHash]; ok {
			continue
		}
		ts, err := routing.Retry(ctx, policy, func(ctx context.Context) (time.Time, error) {
			return src.BlockTime(ctx, l.BlockHash)
		})
		if err != nil {
			return nil, fmt.Errorf("block %d time: %w", l.BlockNumber, err)
		}
		out[l.BlockHash] = ts.UTC()
	}
	return out, nil
}

// EventRef locates l on chain.
func EventRef(l types.Log, blockTime time.Time) domain.EventRef {
	return domain.EventRef{
		BlockNumber:    l.BlockNumber,
		BlockHash:      l.BlockHash.Hex(),
		BlockTimestamp: blockTime.UTC(),
		TxHash:         l.TxHash.Hex(),
		LogIndex:       l.Index,
	}
}
