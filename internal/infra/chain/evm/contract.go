package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller executes read-only contract calls. Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// boundContract packs calls for one deployed contract and unpacks results.
type boundContract struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
}

func (b boundContract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := b.caller.CallContract(ctx, b.address, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, b.address.Hex(), err)
	}
	values, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return values, nil
}

// single unpacks a call that returns exactly one value of type T.
func single[T any](values []any, method string) (T, error) {
	var zero T
	if len(values) != 1 {
		return zero, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(T)
	if !ok {
		return zero, fmt.Errorf("%s returned %T, expected %T", method, values[0], zero)
	}
	return v, nil
}
