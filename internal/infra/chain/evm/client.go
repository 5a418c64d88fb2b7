package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/metrics"
)

// Caller performs a raw JSON-RPC call. rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, result any, method string, params ...any) error
}

// BlockCache remembers block timestamps by hash. Block hashes are immutable
// so entries never need invalidation.
type BlockCache interface {
	GetBlockTime(ctx context.Context, chain domain.ChainName, hash common.Hash) (time.Time, bool, error)
	SetBlockTime(ctx context.Context, chain domain.ChainName, hash common.Hash, t time.Time) error
}

// Client reads chain state through JSON-RPC.
type Client struct {
	chain  domain.ChainName
	caller Caller
	cache  BlockCache
	log    *slog.Logger
}

// NewClient creates a client for chain. A nil cache falls back to an
// in-process cache.
func NewClient(chain domain.ChainName, caller Caller, cache BlockCache) *Client {
	if cache == nil {
		cache = NewMemoryBlockCache(1024)
	}
	return &Client{
		chain:  chain,
		caller: caller,
		cache:  cache,
		log:    slog.Default().With("chain", chain),
	}
}

func (c *Client) Chain() domain.ChainName {
	return c.chain
}

// Header is the subset of a block header the monitor uses.
type Header struct {
	Number    uint64
	Hash      common.Hash
	Timestamp time.Time
}

type rpcHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (h rpcHeader) toHeader() *Header {
	return &Header{
		Number:    uint64(h.Number),
		Hash:      h.Hash,
		Timestamp: time.Unix(int64(h.Timestamp), 0).UTC(),
	}
}

// Receipt is a transaction receipt. Only the fields the monitor reads are
// decoded, which keeps it tolerant of non-geth nodes.
type Receipt struct {
	TxHash      common.Hash     `json:"transactionHash"`
	BlockHash   common.Hash     `json:"blockHash"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Logs        []types.Log     `json:"logs"`
}

// LogQuery selects logs emitted by Addresses in [FromBlock, ToBlock].
// Topics follow eth_getLogs semantics: position i matches any of Topics[i].
type LogQuery struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := c.caller.Call(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	metrics.ChainLatestBlock.WithLabelValues(string(c.chain)).Set(float64(head))
	return uint64(head), nil
}

// Logs returns the logs matching q in chain order.
func (c *Client) Logs(ctx context.Context, q LogQuery) ([]types.Log, error) {
	if q.ToBlock < q.FromBlock {
		return nil, fmt.Errorf("invalid log range %d..%d", q.FromBlock, q.ToBlock)
	}
	filter := map[string]any{
		"fromBlock": hexutil.EncodeUint64(q.FromBlock),
		"toBlock":   hexutil.EncodeUint64(q.ToBlock),
	}
	if len(q.Addresses) > 0 {
		filter["address"] = q.Addresses
	}
	if len(q.Topics) > 0 {
		filter["topics"] = q.Topics
	}

	var logs []types.Log
	if err := c.caller.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	for _, l := range logs {
		if l.Removed {
			return nil, domain.Inconsistentf("removed log %s:%d in confirmed range", l.TxHash.Hex(), l.Index)
		}
	}
	return logs, nil
}

// HeaderByNumber returns the header of block number.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*Header, error) {
	var h rpcHeader
	if err := c.caller.Call(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, err
	}
	return h.toHeader(), nil
}

// BlockTime returns the timestamp of the block with the given hash.
func (c *Client) BlockTime(ctx context.Context, hash common.Hash) (time.Time, error) {
	if t, ok, err := c.cache.GetBlockTime(ctx, c.chain, hash); err != nil {
		c.log.Warn("Block cache read failed", "hash", hash.Hex(), "error", err)
	} else if ok {
		return t, nil
	}

	var h rpcHeader
	if err := c.caller.Call(ctx, &h, "eth_getBlockByHash", hash, false); err != nil {
		return time.Time{}, err
	}
	if h.Hash != hash {
		return time.Time{}, domain.Inconsistentf("node returned block %s for hash %s", h.Hash.Hex(), hash.Hex())
	}
	header := h.toHeader()
	if err := c.cache.SetBlockTime(ctx, c.chain, hash, header.Timestamp); err != nil {
		c.log.Warn("Block cache write failed", "hash", hash.Hex(), "error", err)
	}
	return header.Timestamp, nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r Receipt
	if err := c.caller.Call(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	return &r, nil
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.caller.Call(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceAt returns the balance of address at the end of block.
func (c *Client) BalanceAt(ctx context.Context, address common.Address, block uint64) (*big.Int, error) {
	var raw string
	if err := c.caller.Call(ctx, &raw, "eth_getBalance", address, hexutil.EncodeUint64(block)); err != nil {
		return nil, err
	}
	return parseHexToBigInt(raw)
}

// TraceBlock returns the flattened value transfers executed in block.
func (c *Client) TraceBlock(ctx context.Context, number uint64) ([]Trace, error) {
	var raw []json.RawMessage
	err := c.caller.Call(ctx, &raw, "trace_block", hexutil.EncodeUint64(number))
	if err != nil {
		return nil, err
	}
	return parseTraces(raw)
}
