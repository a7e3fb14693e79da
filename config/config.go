// Package config loads the deployment configuration: vault risk limits,
// the interest curve and per-token oracle settings. Addresses are hex
// strings in the file and resolved by the wiring code.
package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogFile     string `toml:"LogFile"`

	Vault  VaultConfig  `toml:"vault"`
	Rates  RatesConfig  `toml:"rates"`
	Oracle OracleConfig `toml:"oracle"`
}

// VaultConfig carries the engine's addresses and risk limits. Omitted
// cap fields mean unlimited; an explicit zero closes the flow.
type VaultConfig struct {
	Owner            string `toml:"Owner"`
	EmergencyAdmin   string `toml:"EmergencyAdmin"`
	VaultAddress     string `toml:"VaultAddress"`
	Asset            string `toml:"Asset"`
	ReserveFactorBps uint64 `toml:"ReserveFactorBps"`
	DailyIncreaseBps uint64 `toml:"DailyIncreaseBps"`

	MinLoanSizeWei          *big.Int `toml:"MinLoanSizeWei,omitempty"`
	GlobalLendLimitWei      *big.Int `toml:"GlobalLendLimitWei,omitempty"`
	GlobalDebtLimitWei      *big.Int `toml:"GlobalDebtLimitWei,omitempty"`
	DailyLendIncreaseMinWei *big.Int `toml:"DailyLendIncreaseMinWei,omitempty"`
	DailyDebtIncreaseMinWei *big.Int `toml:"DailyDebtIncreaseMinWei,omitempty"`

	Collateral []CollateralEntry `toml:"collateral"`
}

// CollateralEntry is the per-token haircut configuration.
type CollateralEntry struct {
	Token       string   `toml:"Token"`
	FactorBps   uint64   `toml:"FactorBps"`
	ValueCapWei *big.Int `toml:"ValueCapWei,omitempty"`
}

// RatesConfig describes the kinked interest curve in annual basis
// points.
type RatesConfig struct {
	BaseRateBps       uint64 `toml:"BaseRateBps"`
	MultiplierBps     uint64 `toml:"MultiplierBps"`
	JumpMultiplierBps uint64 `toml:"JumpMultiplierBps"`
	KinkBps           uint64 `toml:"KinkBps"`
}

// OracleConfig carries the pricing setup shared by all tokens plus the
// per-token entries.
type OracleConfig struct {
	UnitToken                 string `toml:"UnitToken"`
	UnitDecimals              uint8  `toml:"UnitDecimals"`
	MaxPoolPriceDivergenceBps uint64 `toml:"MaxPoolPriceDivergenceBps"`
	UptimeFeed                string `toml:"UptimeFeed"`
	UptimeGraceSeconds        uint64 `toml:"UptimeGraceSeconds"`

	Tokens []OracleTokenEntry `toml:"tokens"`
}

// OracleTokenEntry is one token's pricing configuration. Mode is one of
// feed_twap_verify, twap_feed_verify, feed_only, twap_only.
type OracleTokenEntry struct {
	Token             string `toml:"Token"`
	Feed              string `toml:"Feed"`
	FeedDecimals      uint8  `toml:"FeedDecimals"`
	TokenDecimals     uint8  `toml:"TokenDecimals"`
	MaxFeedAgeSeconds uint64 `toml:"MaxFeedAgeSeconds"`
	PoolFeePips       uint32 `toml:"PoolFeePips"`
	TwapWindowSeconds uint32 `toml:"TwapWindowSeconds"`
	Mode              string `toml:"Mode"`
	MaxDivergenceBps  uint64 `toml:"MaxDivergenceBps"`
}

// Load loads the configuration from the given path, writing a default
// file when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./rangevault-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.Vault.DailyIncreaseBps == 0 {
		c.Vault.DailyIncreaseBps = 1000
	}
	if c.Oracle.MaxPoolPriceDivergenceBps == 0 {
		c.Oracle.MaxPoolPriceDivergenceBps = 200
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:     "./rangevault-data",
		Environment: "dev",
		Rates: RatesConfig{
			BaseRateBps:       0,
			MultiplierBps:     500,
			JumpMultiplierBps: 10_000,
			KinkBps:           8_000,
		},
		Vault: VaultConfig{
			ReserveFactorBps: 1_000,
			DailyIncreaseBps: 1_000,
		},
		Oracle: OracleConfig{
			MaxPoolPriceDivergenceBps: 200,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
