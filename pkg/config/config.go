// Package config loads the engine's merged configuration into a single
// explicit Common struct, threaded through every component constructor
// instead of read from package-level globals (spec.md §9's design note).
// Grounded on the teacher's internal/util.InitConfig (koanf + TOML file +
// env-var override) generalized from one chains.json + config.toml pair to
// the engine-wide option set spec.md §6 names.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Ordering selects C8's event merge policy (spec.md §6).
type Ordering string

const (
	OrderingOmnichain Ordering = "omnichain"
	OrderingMultichain Ordering = "multichain"
	OrderingIsolated   Ordering = "isolated"
)

// ChainConfig holds one chain's connection and sync tuning parameters.
type ChainConfig struct {
	Name                string            `koanf:"name"`
	ChainID             uint64            `koanf:"chain_id"`
	RPCURL              string            `koanf:"rpc_url"`
	WSURL               string            `koanf:"ws_url"`
	StartBlock          uint64            `koanf:"start_block"`
	EndBlock            *uint64           `koanf:"end_block"`
	FinalityBlockCount  uint64            `koanf:"finality_block_count"`
	MaxBlockRange       uint64            `koanf:"max_block_range"`
	PollingInterval     time.Duration     `koanf:"polling_interval"`
	MaxRequestsPerSecond float64          `koanf:"max_requests_per_second"`
	Contracts           map[string]string `koanf:"contracts"`
}

// Address resolves a named contract's configured address.
func (c ChainConfig) Address(name string) (common.Address, bool) {
	hex, ok := c.Contracts[name]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(hex), true
}

// Common is the single configuration object threaded through every
// component constructor (spec.md §9: "Global configuration → explicit
// Common struct").
type Common struct {
	Ordering Ordering `koanf:"ordering"`

	DatabaseDSN        string `koanf:"database_dsn"`
	BoltPath           string `koanf:"bolt_path"`
	DatabaseMaxRowLimit int   `koanf:"database_max_row_limit"`
	DisableCache       bool   `koanf:"disable_cache"`

	NatsURL         string        `koanf:"nats_url"`
	NatsStream      string        `koanf:"nats_stream"`
	NatsSubjectPrefix string      `koanf:"nats_subject_prefix"`
	NatsPersistFor  time.Duration `koanf:"nats_persist_for"`

	MetricsAddr string `koanf:"metrics_addr"`
	HealthAddr  string `koanf:"health_addr"`
	LogLevel    string `koanf:"log_level"`

	Chains []ChainConfig `koanf:"chains"`
}

func withDefaults(c Common) Common {
	if c.Ordering == "" {
		c.Ordering = OrderingMultichain
	}
	if c.DatabaseMaxRowLimit <= 0 {
		c.DatabaseMaxRowLimit = 10_000
	}
	if c.NatsStream == "" {
		c.NatsStream = "OMNISYNC"
	}
	if c.NatsSubjectPrefix == "" {
		c.NatsSubjectPrefix = "OMNISYNC"
	}
	if c.NatsPersistFor <= 0 {
		c.NatsPersistFor = 24 * time.Hour
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.HealthAddr == "" {
		c.HealthAddr = ":8080"
	}
	for i := range c.Chains {
		if c.Chains[i].MaxBlockRange == 0 {
			c.Chains[i].MaxBlockRange = 2000
		}
		if c.Chains[i].PollingInterval == 0 {
			c.Chains[i].PollingInterval = 4 * time.Second
		}
		if c.Chains[i].MaxRequestsPerSecond == 0 {
			c.Chains[i].MaxRequestsPerSecond = 25
		}
	}
	return c
}

// Load reads configPath (TOML) then overlays `OMNISYNC_`-prefixed
// environment variables, the same two-layer precedence as the teacher's
// InitConfig — environment always wins over file.
func Load(configPath string) (Common, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return Common{}, fmt.Errorf("load config file %s: %w", configPath, err)
	}

	if err := ko.Load(env.Provider("OMNISYNC_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "OMNISYNC_")
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil); err != nil {
		return Common{}, fmt.Errorf("load environment overrides: %w", err)
	}

	var c Common
	if err := ko.Unmarshal("", &c); err != nil {
		return Common{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return withDefaults(c), nil
}
