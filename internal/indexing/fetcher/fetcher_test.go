package fetcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

func testFetcher(batch uint64, retries int) (*Fetcher, *[]time.Duration) {
	var slept []time.Duration
	f := &Fetcher{
		BatchSize: batch,
		Policy: routing.RetryPolicy{
			Name:       "test",
			MaxRetries: retries,
			Backoff:    routing.ExponentialBackoff(2, 512*time.Second),
			Retryable:  routing.IsRetryable,
			Sleep: func(ctx context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			},
		},
	}
	return f, &slept
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		batch    uint64
		want     []Range
	}{
		{"scenario C", 100, 349, 100, []Range{{100, 200}, {201, 301}, {302, 349}}},
		{"single block", 7, 7, 100, []Range{{7, 7}}},
		{"exact fit", 0, 100, 100, []Range{{0, 100}}},
		{"one past fit", 0, 101, 100, []Range{{0, 100}, {101, 101}}},
		{"default batch", 0, 150, 0, []Range{{0, 100}, {101, 150}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.from, tt.to, tt.batch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSplit_InvertedRange(t *testing.T) {
	if _, err := Split(10, 9, 100); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestFetch_ConcatenatesInOrder(t *testing.T) {
	f, _ := testFetcher(100, 0)
	var calls []Range
	got, err := Fetch(context.Background(), f, 100, 349, func(ctx context.Context, r Range) ([]uint64, error) {
		calls = append(calls, r)
		return []uint64{r.Start, r.End}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 sub-range calls, got %d", len(calls))
	}
	want := []uint64{100, 200, 201, 301, 302, 349}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFetch_RetriesTransientErrors(t *testing.T) {
	f, slept := testFetcher(100, 6)
	attempts := 0
	got, err := Fetch(context.Background(), f, 0, 10, func(ctx context.Context, r Range) ([]int, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return []int{1}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 result, got %d", len(got))
	}
	want := []time.Duration{8 * time.Second, 16 * time.Second}
	if fmt.Sprint(*slept) != fmt.Sprint(want) {
		t.Errorf("expected sleeps %v, got %v", want, *slept)
	}
}

func TestFetch_ExhaustedBudgetReturnsNoPartialResult(t *testing.T) {
	f, slept := testFetcher(100, 6)
	boom := errors.New("connection refused")
	got, err := Fetch(context.Background(), f, 0, 300, func(ctx context.Context, r Range) ([]int, error) {
		if r.Start == 0 {
			return []int{1, 2}, nil
		}
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected last error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected no partial result, got %v", got)
	}
	if len(*slept) != 6 {
		t.Errorf("expected 6 retries, got %d", len(*slept))
	}
}

func TestNewWindow(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint int64
		head       uint64
		opts       WindowOptions
		want       Window
		empty      bool
	}{
		{"scenario A", 49, 200, WindowOptions{MinConfirmations: 5, MaxBlocks: 1000}, Window{50, 195}, false},
		{"capped by max blocks", 49, 2000, WindowOptions{MinConfirmations: 5, MaxBlocks: 100}, Window{50, 150}, false},
		{"caught up", 195, 200, WindowOptions{MinConfirmations: 5}, Window{196, 195}, true},
		{"head below confirmations", -1, 3, WindowOptions{MinConfirmations: 5}, Window{0, -2}, true},
		{"from now limit", 10, 10005, WindowOptions{MinConfirmations: 5, MaxBlocksFromNow: 1000}, Window{9000, 10000}, false},
		{"from now within backlog", 9500, 10005, WindowOptions{MinConfirmations: 5, MaxBlocksFromNow: 1000}, Window{9501, 10000}, false},
		{"from now then max blocks", 10, 10005, WindowOptions{MinConfirmations: 5, MaxBlocksFromNow: 1000, MaxBlocks: 10}, Window{9000, 9010}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewWindow(tt.checkpoint, tt.head, tt.opts)
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
			if got.Empty() != tt.empty {
				t.Errorf("expected empty=%v, got %v", tt.empty, got.Empty())
			}
		})
	}
}
