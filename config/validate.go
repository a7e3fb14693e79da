package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/oracle"
	"rangevault/rates"
)

// Validate checks the loaded configuration for internally inconsistent
// or unusable values. Errors name the offending field.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if err := requireAddress("vault.Owner", c.Vault.Owner); err != nil {
		return err
	}
	if err := requireAddress("vault.VaultAddress", c.Vault.VaultAddress); err != nil {
		return err
	}
	if err := requireAddress("vault.Asset", c.Vault.Asset); err != nil {
		return err
	}
	if c.Vault.EmergencyAdmin != "" && !common.IsHexAddress(c.Vault.EmergencyAdmin) {
		return fmt.Errorf("config: vault.EmergencyAdmin: not a hex address")
	}
	if c.Vault.ReserveFactorBps > 10_000 {
		return fmt.Errorf("config: vault.ReserveFactorBps: exceeds 10000")
	}
	if c.Vault.DailyIncreaseBps > 10_000 {
		return fmt.Errorf("config: vault.DailyIncreaseBps: exceeds 10000")
	}
	for i, entry := range c.Vault.Collateral {
		field := fmt.Sprintf("vault.collateral[%d]", i)
		if err := requireAddress(field+".Token", entry.Token); err != nil {
			return err
		}
		if entry.FactorBps > 10_000 {
			return fmt.Errorf("config: %s.FactorBps: exceeds 10000", field)
		}
	}

	if c.Rates.KinkBps == 0 || c.Rates.KinkBps > 10_000 {
		return fmt.Errorf("config: rates.KinkBps: must be within (0, 10000]")
	}

	if err := requireAddress("oracle.UnitToken", c.Oracle.UnitToken); err != nil {
		return err
	}
	if c.Oracle.UptimeFeed != "" && !common.IsHexAddress(c.Oracle.UptimeFeed) {
		return fmt.Errorf("config: oracle.UptimeFeed: not a hex address")
	}
	unitConfigured := false
	for i, entry := range c.Oracle.Tokens {
		field := fmt.Sprintf("oracle.tokens[%d]", i)
		if err := requireAddress(field+".Token", entry.Token); err != nil {
			return err
		}
		mode, err := ParseMode(entry.Mode)
		if err != nil {
			return fmt.Errorf("config: %s.Mode: %w", field, err)
		}
		if mode != oracle.ModeTwapOnly && entry.Feed == "" {
			return fmt.Errorf("config: %s.Feed: required for mode %q", field, entry.Mode)
		}
		if entry.Feed != "" && !common.IsHexAddress(entry.Feed) {
			return fmt.Errorf("config: %s.Feed: not a hex address", field)
		}
		if common.HexToAddress(entry.Token) == common.HexToAddress(c.Oracle.UnitToken) {
			unitConfigured = true
			if mode != oracle.ModeFeedOnly {
				return fmt.Errorf("config: %s.Mode: accounting unit must use feed_only", field)
			}
		}
	}
	if len(c.Oracle.Tokens) > 0 && !unitConfigured {
		return fmt.Errorf("config: oracle.tokens: accounting unit has no entry")
	}
	return nil
}

func requireAddress(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("config: %s: required", field)
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("config: %s: not a hex address", field)
	}
	return nil
}

// ParseMode maps the config file's mode strings onto oracle modes.
func ParseMode(mode string) (oracle.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "feed_twap_verify":
		return oracle.ModeFeedTwapVerify, nil
	case "twap_feed_verify":
		return oracle.ModeTwapFeedVerify, nil
	case "feed_only":
		return oracle.ModeFeedOnly, nil
	case "twap_only":
		return oracle.ModeTwapOnly, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", mode)
	}
}

// Model builds the interest curve from the configured basis points.
func (r RatesConfig) Model() *rates.Model {
	return rates.NewModel(
		rates.FractionFromBps(r.BaseRateBps),
		rates.FractionFromBps(r.MultiplierBps),
		rates.FractionFromBps(r.JumpMultiplierBps),
		rates.FractionFromBps(r.KinkBps),
	)
}
