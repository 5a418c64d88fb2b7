package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/provider"
)

// RetryConfig defines transport-level retry behavior for a single provider.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig keeps per-provider retries short; longer retries happen
// in RetryPolicy around whole operations.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    500 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrInconsistent) {
		return ActionFatal
	}

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			return ActionFatal
		}
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}

	if strings.Contains(s, "429") || strings.Contains(sLower, "too many requests") ||
		strings.Contains(s, "403") || strings.Contains(sLower, "forbidden") ||
		strings.Contains(sLower, "quota") || strings.Contains(sLower, "plan limit") ||
		strings.Contains(sLower, "unauthorized") ||
		strings.Contains(sLower, "rate limit") ||
		strings.Contains(sLower, "throttle") ||
		strings.Contains(sLower, "count exceeded") {
		return ActionFailover
	}

	// Network, 5xx, reverted calls on lagging nodes, etc.
	return ActionRetry
}

// IsRetryable reports whether an operation that failed with err may be
// attempted again.
func IsRetryable(err error) bool {
	return ClassifyError(err) != ActionFatal
}

// CallWithRetry executes a JSON-RPC call against one provider with
// exponential backoff.
func CallWithRetry(
	ctx context.Context,
	p provider.Provider,
	method string,
	params []any,
	config RetryConfig,
) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		result, err := p.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}

		lastErr = err

		action := ClassifyError(err)
		if action == ActionFatal || action == ActionFailover {
			return nil, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(calculateBackoff(attempt, config)):
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// RetryPolicy describes how a failed operation is retried: the operation runs
// once and then up to MaxRetries more times while Retryable accepts the error.
// Before retry number n (1-based) the policy sleeps Backoff(n).
type RetryPolicy struct {
	Name       string
	MaxRetries int
	Backoff    func(retry int) time.Duration
	Retryable  func(err error) bool
	Sleep      func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff returns min(2^(retry+offset), max) seconds.
func ExponentialBackoff(offset int, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		d := time.Duration(math.Pow(2, float64(retry+offset))) * time.Second
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

// FetchPolicy is used for event range fetches: 6 retries sleeping
// 8s, 16s, ... capped at 512s.
var FetchPolicy = RetryPolicy{
	Name:       "fetch",
	MaxRetries: 6,
	Backoff:    ExponentialBackoff(2, 512*time.Second),
	Retryable:  IsRetryable,
}

// LookupPolicy is used for per-transfer contract lookups: 10 retries sleeping
// 4s, 8s, ... capped at 512s.
var LookupPolicy = RetryPolicy{
	Name:       "lookup",
	MaxRetries: 10,
	Backoff:    ExponentialBackoff(1, 512*time.Second),
	Retryable:  IsRetryable,
}

// Do runs fn under the policy. It returns the last error once the retry
// budget is exhausted or the error is not retryable; no partial result is
// returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff(2, 512*time.Second)
	}

	for retry := 0; ; retry++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retry >= p.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return err
		}

		delay := backoff(retry + 1)
		slog.Warn("Retrying after error",
			"policy", p.Name,
			"retry", retry+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Retry runs fn under policy and returns its result.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := policy.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
