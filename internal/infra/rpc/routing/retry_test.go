package routing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{&provider.RPCError{Code: -32602, Message: "invalid params"}, ActionFatal},
		{&provider.RPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{fmt.Errorf("apply: %w", domain.ErrInconsistent), ActionFatal},
		{context.Canceled, ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(2, 512*time.Second)
	expected := []time.Duration{8, 16, 32, 64, 128, 256, 512, 512}
	for i, want := range expected {
		if got := backoff(i + 1); got != want*time.Second {
			t.Errorf("retry %d: expected %v, got %v", i+1, want*time.Second, got)
		}
	}
}

func TestRetryPolicy_ExhaustsBudget(t *testing.T) {
	var sleeps []time.Duration
	policy := FetchPolicy
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	calls := 0
	boom := errors.New("connection refused")
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 7 {
		t.Errorf("expected 7 calls (1 + 6 retries), got %d", calls)
	}
	if len(sleeps) != 6 || sleeps[0] != 8*time.Second || sleeps[5] != 256*time.Second {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestRetryPolicy_StopsOnFatal(t *testing.T) {
	policy := FetchPolicy
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.Inconsistentf("queue empty")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ReturnsValueAfterRecovery(t *testing.T) {
	policy := LookupPolicy
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	v, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("expected 42 after 3 calls, got %d after %d", v, calls)
	}
}
