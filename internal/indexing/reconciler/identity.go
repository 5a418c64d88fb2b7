package reconciler

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridgemonitor/internal/infra/chain/evm"
	"github.com/vietddude/bridgemonitor/internal/infra/rpc/routing"
)

// IDStrategy names the federation function that produced a transfer id.
type IDStrategy string

const (
	StrategyUserData IDStrategy = "getTransactionIdU"
	StrategyLegacy   IDStrategy = "getTransactionId"
)

// Identity is the cross-chain id of a deposit. OldID is always derived with
// the legacy function.
type Identity struct {
	ID       common.Hash
	OldID    common.Hash
	Strategy IDStrategy
}

// identifier derives transfer ids from a federation contract.
type identifier struct {
	federation *evm.Federation
	policy     routing.RetryPolicy
	// legacyFallback lets a reverted getTransactionIdU fall back to the
	// legacy id.
	legacyFallback bool
}

func (i identifier) identify(ctx context.Context, ev *evm.CrossEvent) (Identity, error) {
	oldID, err := routing.Retry(ctx, i.policy, func(ctx context.Context) (common.Hash, error) {
		return i.federation.TransactionID(ctx, ev)
	})
	if err != nil {
		return Identity{}, err
	}

	id, err := routing.Retry(ctx, i.primaryPolicy(), func(ctx context.Context) (common.Hash, error) {
		return i.federation.TransactionIDU(ctx, ev)
	})
	if err == nil {
		return Identity{ID: id, OldID: oldID, Strategy: StrategyUserData}, nil
	}
	if i.legacyFallback && isRevert(err) {
		return Identity{ID: oldID, OldID: oldID, Strategy: StrategyLegacy}, nil
	}
	return Identity{}, err
}

// primaryPolicy does not retry reverts when they trigger the fallback.
func (i identifier) primaryPolicy() routing.RetryPolicy {
	if !i.legacyFallback {
		return i.policy
	}
	p := i.policy
	retryable := p.Retryable
	if retryable == nil {
		retryable = routing.IsRetryable
	}
	p.Retryable = func(err error) bool {
		return !isRevert(err) && retryable(err)
	}
	return p
}

func isRevert(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "execution reverted") || strings.Contains(s, "transaction reverted")
}
