package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

const (
	MainnetURL = "https://blockstream.info/api"
	TestnetURL = "https://blockstream.info/testnet/api"
)

// BaseURL returns the Blockstream API root for network ("mainnet" or
// "testnet").
func BaseURL(network string) (string, error) {
	switch network {
	case "", "mainnet":
		return MainnetURL, nil
	case "testnet":
		return TestnetURL, nil
	}
	return "", fmt.Errorf("unknown bitcoin network %q", network)
}

// Transaction is a Blockstream transaction. Raw holds the response as
// received.
type Transaction struct {
	TxID   string   `json:"txid"`
	Fee    int64    `json:"fee"`
	Status TxStatus `json:"status"`
	Vout   []Output `json:"vout"`

	Raw json.RawMessage `json:"-"`
}

type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type Output struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyASM     string `json:"scriptpubkey_asm"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// StatusError is a non-2xx response from the explorer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blockstream HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Blockstream Esplora HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      routing.RetryPolicy
	maxPages   int
	log        *slog.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:    withExplorerRetryable(routing.LookupPolicy),
		maxPages: 1000,
		log:      slog.Default().With("component", "blockstream"),
	}
}

// WithRetryPolicy replaces the retry policy, e.g. to disable sleeping in
// tests.
func (c *Client) WithRetryPolicy(p routing.RetryPolicy) *Client {
	c.retry = withExplorerRetryable(p)
	return c
}

// Client errors other than rate limiting are permanent.
func withExplorerRetryable(p routing.RetryPolicy) routing.RetryPolicy {
	p.Retryable = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
		}
		return routing.IsRetryable(err)
	}
	return p
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return routing.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	})
}

func decodeTransaction(raw json.RawMessage) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.Raw = raw
	return &tx, nil
}

// GetTransaction fetches a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	body, err := c.get(ctx, "/tx/"+txid)
	if err != nil {
		return nil, err
	}
	return decodeTransaction(body)
}

// ConfirmedTransactions lists the confirmed transactions of address, newest
// first. Listing stops before stopAt when it is non-empty.
func (c *Client) ConfirmedTransactions(ctx context.Context, address, stopAt string) ([]*Transaction, error) {
	var out []*Transaction
	lastSeen := ""

	for page := 0; page < c.maxPages; page++ {
		path := "/address/" + address + "/txs/chain"
		if lastSeen != "" {
			path += "/" + lastSeen
		}
		body, err := c.get(ctx, path)
		if err != nil {
			return nil, err
		}
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode transaction page: %w", err)
		}
		if len(raws) == 0 {
			return out, nil
		}

		for _, raw := range raws {
			tx, err := decodeTransaction(raw)
			if err != nil {
				return nil, err
			}
			if stopAt != "" && tx.TxID == stopAt {
				return out, nil
			}
			out = append(out, tx)
			lastSeen = tx.TxID
		}
		c.log.Debug("Fetched transaction page", "address", address, "page", page, "total", len(out))
	}
	return nil, fmt.Errorf("address %s: more than %d pages of transactions", address, c.maxPages)
}
