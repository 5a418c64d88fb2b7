package control

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridgemonitor/internal/core/config"
	"github.com/vietddude/bridgemonitor/internal/core/worker"
	"github.com/vietddude/bridgemonitor/internal/indexing/bidi"
	"github.com/vietddude/bridgemonitor/internal/indexing/fastbtcin"
	"github.com/vietddude/bridgemonitor/internal/indexing/reconciler"
)

func reconcilerConfig(b config.BridgeConfig) reconciler.Config {
	side := func(s config.BridgeSide) reconciler.Side {
		return reconciler.Side{
			Chain:             s.Chain,
			BridgeAddress:     common.HexToAddress(s.BridgeAddress),
			FederationAddress: common.HexToAddress(s.FederationAddress),
			StartBlock:        s.StartBlock,
		}
	}
	return reconciler.Config{
		Name:              b.Name,
		RSK:               side(b.RSK),
		Other:             side(b.Other),
		MinConfirmations:  b.MinConfirmations,
		MaxBlocks:         b.MaxBlocks,
		BatchSize:         b.BatchSize,
		LookupConcurrency: b.LookupConcurrency,
		LegacyIDFallback:  b.LegacyIDFallback,
	}
}

func bidiConfig(b config.BidiConfig) bidi.Config {
	return bidi.Config{
		Chain:            b.Chain,
		ContractAddress:  common.HexToAddress(b.ContractAddress),
		StartBlock:       b.StartBlock,
		MinConfirmations: b.MinConfirmations,
		MaxBlocks:        b.MaxBlocks,
		MaxBlocksFromNow: b.MaxBlocksFromNow,
		BatchSize:        b.BatchSize,
	}
}

func fastBTCInConfig(f config.FastBTCInConfig) fastbtcin.Config {
	return fastbtcin.Config{
		Chain:                f.Chain,
		MultisigAddress:      common.HexToAddress(f.MultisigAddress),
		ManagedWalletAddress: common.HexToAddress(f.ManagedWalletAddress),
		StartBlock:           f.StartBlock,
		MinConfirmations:     f.MinConfirmations,
		MaxBlocks:            f.MaxBlocks,
		MaxBlocksFromNow:     f.MaxBlocksFromNow,
		BatchSize:            f.BatchSize,
	}
}

// BookkeeperConfig converts the bookkeeper section. chainID is the numeric
// id stored with every trace.
func BookkeeperConfig(b config.BookkeeperConfig, chainID int64) worker.BookkeeperConfig {
	return worker.BookkeeperConfig{
		ChainID:             chainID,
		SafetyLimit:         b.SafetyLimit,
		IdleSleep:           b.IdleSleep,
		SanityCheckInterval: b.SanityCheckInterval,
	}
}

func trackedAddresses(b config.BookkeeperConfig) []worker.TrackedAddress {
	out := make([]worker.TrackedAddress, 0, len(b.Addresses))
	for _, a := range b.Addresses {
		out = append(out, worker.TrackedAddress{
			Address: a.Address,
			Name:    a.Name,
			Start:   a.Start,
			End:     a.End,
		})
	}
	return out
}
