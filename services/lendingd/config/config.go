package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cipherlend/crypto"
)

// Config captures the runtime settings for the confidential lending daemon.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"env"`
	LogFile       string         `yaml:"log_file"`
	Admin         string         `yaml:"admin"`
	Auth          AuthConfig     `yaml:"auth"`
	Risk          RiskConfig     `yaml:"risk"`
	Markets       []MarketConfig `yaml:"markets"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens  []string `yaml:"api_tokens"`
	AdminToken string   `yaml:"admin_token"`
}

// RiskConfig holds the fixed basis-point risk parameters applied at boot.
type RiskConfig struct {
	MaxLTVBps               uint64 `yaml:"max_ltv_bps"`
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
	CollateralFactorBps     uint64 `yaml:"collateral_factor_bps"`
}

// MarketConfig describes a market activated at boot.
type MarketConfig struct {
	Asset           string `yaml:"asset"`
	InterestRateBps uint64 `yaml:"interest_rate_bps"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8440",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8440"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)
	cfg.Admin = strings.TrimSpace(cfg.Admin)
	if cfg.Risk.CollateralFactorBps == 0 {
		cfg.Risk.CollateralFactorBps = 10_000
	}
	cfg.Auth.normalize()
	markets := cfg.Markets[:0]
	for _, market := range cfg.Markets {
		market.Asset = strings.TrimSpace(market.Asset)
		if market.Asset != "" {
			markets = append(markets, market)
		}
	}
	cfg.Markets = markets
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.Admin == "" {
		return fmt.Errorf("admin: address required")
	}
	if _, err := crypto.DecodeAddress(cfg.Admin); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

// AdminAddress returns the decoded administrator identity. Load guarantees it
// parses.
func (cfg Config) AdminAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(cfg.Admin)
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := cfg.APITokens[:0]
	for _, token := range cfg.APITokens {
		token = strings.TrimSpace(token)
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	cfg.APITokens = tokens
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
}

func (cfg AuthConfig) validate() error {
	if len(cfg.APITokens) == 0 {
		return fmt.Errorf("at least one api token is required")
	}
	if cfg.AdminToken == "" {
		return fmt.Errorf("admin token is required")
	}
	return nil
}

func (cfg RiskConfig) validate() error {
	if cfg.MaxLTVBps == 0 || cfg.MaxLTVBps > 10_000 {
		return fmt.Errorf("max_ltv_bps must be within (0, 10000]")
	}
	if cfg.LiquidationThresholdBps < cfg.MaxLTVBps || cfg.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("liquidation_threshold_bps must be within [max_ltv_bps, 10000]")
	}
	if cfg.CollateralFactorBps == 0 || cfg.CollateralFactorBps > 10_000 {
		return fmt.Errorf("collateral_factor_bps must be within (0, 10000]")
	}
	return nil
}
