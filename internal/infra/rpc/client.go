package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

// ErrNullResult is returned when a call succeeds with a null result, e.g. a
// receipt the node has not indexed yet.
var ErrNullResult = errors.New("null result")

// Client makes JSON-RPC calls for a single chain, failing over between the
// chain's providers.
type Client struct {
	chain  string
	router routing.Router
	retry  routing.RetryConfig
}

// NewClient creates a new RPC client.
func NewClient(chain string, router routing.Router) *Client {
	return &Client{
		chain:  chain,
		router: router,
		retry:  routing.DefaultRetryConfig,
	}
}

// Chain returns the chain this client talks to.
func (c *Client) Chain() string {
	return c.chain
}

// Call invokes method with params and decodes the result into result.
// A nil result discards the response body.
func (c *Client) Call(ctx context.Context, result any, method string, params ...any) error {
	start := time.Now()
	raw, err := routing.CallWithRetryAndFailover(ctx, c.router, c.chain, method, params, c.retry)

	metrics.RPCCallsTotal.WithLabelValues(c.chain, method).Inc()
	metrics.RPCLatency.WithLabelValues(c.chain, method).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(c.chain, method, routing.ClassifyError(err).String()).Inc()
		return fmt.Errorf("%s on %s: %w", method, c.chain, err)
	}
	if result == nil {
		return nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%s on %s: %w", method, c.chain, ErrNullResult)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
