// Package chaintest provides an in-memory chain.EVM for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain"
	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
)

var _ chain.EVM = (*FakeEVM)(nil)

// ContractFunc answers a decoded contract call.
type ContractFunc func(method string, args []any) ([]any, error)

type contract struct {
	abi abi.ABI
	fn  ContractFunc
}

// FakeEVM serves logs, receipts, blocks, contract calls, balances and traces
// from memory. It is safe for concurrent use.
type FakeEVM struct {
	mu sync.Mutex

	name       domain.ChainName
	head       uint64
	logs       []types.Log
	receipts   map[common.Hash]*evm.Receipt
	blockTimes map[common.Hash]time.Time
	contracts  map[common.Address]contract
	balances   map[common.Address]map[uint64]*big.Int
	traces     map[uint64][]evm.Trace

	// LogQueries records every Logs call.
	LogQueries []evm.LogQuery
	// TraceCalls records every TraceBlock call.
	TraceCalls []uint64
	// FailLogs makes Logs fail while it returns a non-nil error.
	FailLogs func(q evm.LogQuery) error
}

// NewFakeEVM creates a fake chain with the given head.
func NewFakeEVM(name domain.ChainName, head uint64) *FakeEVM {
	return &FakeEVM{
		name:       name,
		head:       head,
		receipts:   make(map[common.Hash]*evm.Receipt),
		blockTimes: make(map[common.Hash]time.Time),
		contracts:  make(map[common.Address]contract),
		balances:   make(map[common.Address]map[uint64]*big.Int),
		traces:     make(map[uint64][]evm.Trace),
	}
}

// SetHead moves the chain head.
func (f *FakeEVM) SetHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

// AddLog stores l and records ts as the time of its block.
func (f *FakeEVM) AddLog(l types.Log, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	f.blockTimes[l.BlockHash] = ts
}

// SetBlockTime records the time of a block.
func (f *FakeEVM) SetBlockTime(hash common.Hash, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTimes[hash] = ts
}

// AddReceipt stores a receipt for txHash sent by from.
func (f *FakeEVM) AddReceipt(txHash common.Hash, from common.Address, logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = &evm.Receipt{TxHash: txHash, From: from, Logs: logs}
}

// SetContract answers eth_call to address by decoding against contractABI.
func (f *FakeEVM) SetContract(address common.Address, contractABI abi.ABI, fn ContractFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[address] = contract{abi: contractABI, fn: fn}
}

// SetBalance records the balance of address at the end of block.
func (f *FakeEVM) SetBalance(address common.Address, block uint64, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[address] == nil {
		f.balances[address] = make(map[uint64]*big.Int)
	}
	f.balances[address][block] = balance
}

// SetTraces records the traces of block.
func (f *FakeEVM) SetTraces(block uint64, traces ...evm.Trace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces[block] = traces
}

func (f *FakeEVM) Chain() domain.ChainName {
	return f.name
}

func (f *FakeEVM) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeEVM) Logs(ctx context.Context, q evm.LogQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogQueries = append(f.LogQueries, q)
	if f.FailLogs != nil {
		if err := f.FailLogs(q); err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock || l.BlockNumber > q.ToBlock {
			continue
		}
		if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(l.Topics) == 0 || !slices.Contains(q.Topics[0], l.Topics[0]) {
				continue
			}
		}
		out = append(out, l)
	}
	slices.SortStableFunc(out, func(a, b types.Log) int {
		if a.BlockNumber != b.BlockNumber {
			return compare(a.BlockNumber, b.BlockNumber)
		}
		return compare(uint64(a.Index), uint64(b.Index))
	})
	return out, nil
}

func compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (f *FakeEVM) BlockTime(ctx context.Context, hash common.Hash) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.blockTimes[hash]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown block %s", hash.Hex())
	}
	return ts, nil
}

// BlockTimeAt is the timestamp HeaderByNumber reports for block number.
func BlockTimeAt(number uint64) time.Time {
	return time.Unix(1_700_000_000+int64(number)*30, 0).UTC()
}

func (f *FakeEVM) HeaderByNumber(ctx context.Context, number uint64) (*evm.Header, error) {
	return &evm.Header{
		Number:    number,
		Hash:      common.BigToHash(new(big.Int).SetUint64(number)),
		Timestamp: BlockTimeAt(number),
	}, nil
}

func (f *FakeEVM) TransactionReceipt(ctx context.Context, hash common.Hash) (*evm.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("unknown receipt %s", hash.Hex())
	}
	return r, nil
}

func (f *FakeEVM) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	c, ok := f.contracts[to]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no contract at %s", to.Hex())
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("short call data")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	out, err := c.fn(method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *FakeEVM) BalanceAt(ctx context.Context, address common.Address, block uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address][block]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeEVM) TraceBlock(ctx context.Context, number uint64) ([]evm.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TraceCalls = append(f.TraceCalls, number)
	return slices.Clone(f.traces[number]), nil
}
