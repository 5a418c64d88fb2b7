package chaintest

import (
	"context"
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

// NoSleep returns p with sleeping between retries disabled.
func NoSleep(p routing.RetryPolicy) routing.RetryPolicy {
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}
