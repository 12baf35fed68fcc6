package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Binance.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
}

func (d *DatabaseConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", d.Driver)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	return nil
}

func (b *BinanceConfig) validate() error {
	// one-sided credentials are always a mistake
	hasKey := strings.TrimSpace(b.APIKey) != ""
	hasSecret := strings.TrimSpace(b.APISecret) != ""
	if hasKey != hasSecret {
		return fmt.Errorf("binance requires both api_key and api_secret or neither")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.GapPolicy)) {
	case "abort", "skip":
		return nil
	default:
		return fmt.Errorf("backtest.gap_policy must be abort or skip, got %q", b.GapPolicy)
	}
}
