package config

import (
	"time"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
	"github.com/vietddude/bridgemonitor/internal/indexing/emitter"
	redisclient "github.com/vietddude/bridgemonitor/internal/infra/redis"
	"github.com/vietddude/bridgemonitor/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Database    postgres.Config    `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	Discord     emitter.Config     `yaml:"discord"`
	Chains      []ChainConfig      `yaml:"chains"`
	Rounds      RoundsConfig       `yaml:"rounds"`
	Bridges     []BridgeConfig     `yaml:"bridges"`
	BidiFastBTC []BidiConfig       `yaml:"bidi_fastbtc"`
	FastBTCIn   []FastBTCInConfig  `yaml:"fastbtc_in"`
	Bookkeeper  BookkeeperConfig   `yaml:"bookkeeper"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds the RPC endpoints of one EVM chain.
type ChainConfig struct {
	Name      domain.ChainName `yaml:"name"`
	ChainID   int64            `yaml:"chain_id"`
	Timeout   time.Duration    `yaml:"timeout"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RoundsConfig sets how often each job family runs.
type RoundsConfig struct {
	Interval            time.Duration `yaml:"interval"`
	AlertInterval       time.Duration `yaml:"alert_interval"`
	ReplenisherInterval time.Duration `yaml:"replenisher_interval"`
}

// BridgeSide is one end of a token bridge.
type BridgeSide struct {
	Chain             domain.ChainName `yaml:"chain"`
	BridgeAddress     string           `yaml:"bridge_address"`
	FederationAddress string           `yaml:"federation_address"`
	StartBlock        int64            `yaml:"start_block"`
}

// BridgeConfig describes a token bridge between RSK and another chain.
type BridgeConfig struct {
	Name              string     `yaml:"name"`
	MinConfirmations  uint64     `yaml:"min_confirmations"`
	MaxBlocks         uint64     `yaml:"max_blocks"`
	BatchSize         uint64     `yaml:"batch_size"`
	LookupConcurrency int        `yaml:"lookup_concurrency"`
	LegacyIDFallback  bool       `yaml:"legacy_id_fallback"`
	RSK               BridgeSide `yaml:"rsk"`
	Other             BridgeSide `yaml:"other"`
}

// BidiConfig describes a bidirectional FastBTC deployment.
type BidiConfig struct {
	Chain              domain.ChainName `yaml:"chain"`
	ContractAddress    string           `yaml:"contract_address"`
	StartBlock         int64            `yaml:"start_block"`
	MinConfirmations   uint64           `yaml:"min_confirmations"`
	MaxBlocks          uint64           `yaml:"max_blocks"`
	MaxBlocksFromNow   uint64           `yaml:"max_blocks_from_now"`
	BatchSize          uint64           `yaml:"batch_size"`
	BTCMultisigAddress string           `yaml:"btc_multisig_address"`
	BitcoinNetwork     string           `yaml:"bitcoin_network"`
	BlockstreamURL     string           `yaml:"blockstream_url"`
}

// FastBTCInConfig describes a FastBTC-in multisig deployment.
type FastBTCInConfig struct {
	Chain                domain.ChainName `yaml:"chain"`
	MultisigAddress      string           `yaml:"multisig_address"`
	ManagedWalletAddress string           `yaml:"managed_wallet_address"`
	StartBlock           int64            `yaml:"start_block"`
	MinConfirmations     uint64           `yaml:"min_confirmations"`
	MaxBlocks            uint64           `yaml:"max_blocks"`
	MaxBlocksFromNow     uint64           `yaml:"max_blocks_from_now"`
	BatchSize            uint64           `yaml:"batch_size"`
}

// BookkeeperConfig configures the address trace bookkeeper.
type BookkeeperConfig struct {
	Enabled             bool                `yaml:"enabled"`
	Chain               domain.ChainName    `yaml:"chain"`
	SafetyLimit         uint64              `yaml:"safety_limit"`
	IdleSleep           time.Duration       `yaml:"idle_sleep"`
	SanityCheckInterval time.Duration       `yaml:"sanity_check_interval"`
	Addresses           []TrackedAddrConfig `yaml:"addresses"`
}

// TrackedAddrConfig is an address the bookkeeper registers at start-up.
type TrackedAddrConfig struct {
	Address string  `yaml:"address"`
	Name    string  `yaml:"name"`
	Start   uint64  `yaml:"start"`
	End     *uint64 `yaml:"end"`
}

// Chain returns the chain config named name.
func (c *AppConfig) Chain(name domain.ChainName) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
