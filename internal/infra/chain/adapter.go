package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/bitcoin"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
)

// EVM is the read surface of a smart-contract chain used by the scanners.
// evm.Client implements it; tests substitute fakes.
type EVM interface {
	// Chain returns the configured chain name
	Chain() domain.ChainName

	// BlockNumber returns the current head
	BlockNumber(ctx context.Context) (uint64, error)

	// Logs fetches logs for a single block range
	Logs(ctx context.Context, q evm.LogQuery) ([]types.Log, error)

	// BlockTime returns the timestamp of a block by hash
	BlockTime(ctx context.Context, hash common.Hash) (time.Time, error)

	// HeaderByNumber fetches a header by number
	HeaderByNumber(ctx context.Context, number uint64) (*evm.Header, error)

	// TransactionReceipt fetches a mined transaction's receipt
	TransactionReceipt(ctx context.Context, hash common.Hash) (*evm.Receipt, error)

	// CallContract runs a read-only call against the latest block
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// BalanceAt returns an account balance at the end of a block
	BalanceAt(ctx context.Context, address common.Address, block uint64) (*big.Int, error)

	// TraceBlock returns the execution traces of a block
	TraceBlock(ctx context.Context, number uint64) ([]evm.Trace, error)
}

// Explorer is the read surface of the UTXO chain explorer.
type Explorer interface {
	// GetTransaction fetches a transaction by id
	GetTransaction(ctx context.Context, txid string) (*bitcoin.Transaction, error)

	// ConfirmedTransactions lists confirmed transactions of address newest
	// first, stopping before stopAt when it is non-empty
	ConfirmedTransactions(ctx context.Context, address, stopAt string) ([]*bitcoin.Transaction, error)
}

// Clients resolves the EVM client of a configured chain.
type Clients map[domain.ChainName]EVM

// EVM returns the client for name.
func (c Clients) EVM(name domain.ChainName) (EVM, error) {
	client, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", name)
	}
	return client, nil
}

var (
	_ EVM      = (*evm.Client)(nil)
	_ Explorer = (*bitcoin.Client)(nil)
)
