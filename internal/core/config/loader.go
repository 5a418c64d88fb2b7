package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/bridgemonitor/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgx"
	}
	if c.Redis.URL != "" && c.Redis.BlockTTL == 0 {
		c.Redis.BlockTTL = 24 * time.Hour
	}
	if c.Discord.Username == "" {
		c.Discord.Username = "Bridge Monitor"
	}

	for i := range c.Chains {
		if c.Chains[i].Timeout == 0 {
			c.Chains[i].Timeout = 30 * time.Second
		}
	}

	if c.Rounds.Interval == 0 {
		c.Rounds.Interval = 60 * time.Second
	}
	if c.Rounds.AlertInterval == 0 {
		c.Rounds.AlertInterval = 30 * time.Minute
	}
	if c.Rounds.ReplenisherInterval == 0 {
		c.Rounds.ReplenisherInterval = 10 * time.Minute
	}

	for i := range c.BidiFastBTC {
		if c.BidiFastBTC[i].BitcoinNetwork == "" {
			c.BidiFastBTC[i].BitcoinNetwork = "mainnet"
		}
	}

	bk := &c.Bookkeeper
	if bk.SafetyLimit == 0 {
		bk.SafetyLimit = 12
	}
	if bk.IdleSleep == 0 {
		bk.IdleSleep = 10 * time.Second
	}
	if bk.SanityCheckInterval == 0 {
		bk.SanityCheckInterval = time.Hour
	}
}

// Validate checks that every job refers to a configured chain and that
// contract addresses are well formed.
func (c *AppConfig) Validate() error {
	var errs []error
	chains := make(map[domain.ChainName]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Name == "" {
			errs = append(errs, errors.New("chain without name"))
			continue
		}
		if chains[ch.Name] {
			errs = append(errs, fmt.Errorf("chain %s configured twice", ch.Name))
		}
		if len(ch.Providers) == 0 {
			errs = append(errs, fmt.Errorf("chain %s has no providers", ch.Name))
		}
		chains[ch.Name] = true
	}

	chain := func(what string, name domain.ChainName) {
		if !chains[name] {
			errs = append(errs, fmt.Errorf("%s: chain %q is not configured", what, name))
		}
	}
	address := func(what, field, value string) {
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s: invalid %s %q", what, field, value))
		}
	}

	for _, b := range c.Bridges {
		what := "bridge " + b.Name
		if b.Name == "" {
			errs = append(errs, errors.New("bridge without name"))
		}
		for _, side := range []BridgeSide{b.RSK, b.Other} {
			chain(what, side.Chain)
			address(what, "bridge_address", side.BridgeAddress)
			address(what, "federation_address", side.FederationAddress)
		}
	}
	for _, b := range c.BidiFastBTC {
		what := "bidi_fastbtc " + string(b.Chain)
		chain(what, b.Chain)
		address(what, "contract_address", b.ContractAddress)
		if b.BitcoinNetwork != "mainnet" && b.BitcoinNetwork != "testnet" {
			errs = append(errs, fmt.Errorf("%s: unknown bitcoin_network %q", what, b.BitcoinNetwork))
		}
	}
	for _, f := range c.FastBTCIn {
		what := "fastbtc_in " + string(f.Chain)
		chain(what, f.Chain)
		address(what, "multisig_address", f.MultisigAddress)
		address(what, "managed_wallet_address", f.ManagedWalletAddress)
	}
	if c.Bookkeeper.Enabled {
		chain("bookkeeper", c.Bookkeeper.Chain)
		for _, a := range c.Bookkeeper.Addresses {
			address("bookkeeper", "address", a.Address)
			if a.End != nil && *a.End <= a.Start {
				errs = append(errs, fmt.Errorf("bookkeeper: end %d of %s must be after start %d", *a.End, a.Address, a.Start))
			}
		}
	}
	return errors.Join(errs...)
}
