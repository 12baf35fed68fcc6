package config

import "strings"

// Config is the root configuration document.
type Config struct {
	App      AppConfig      `toml:"app" yaml:"app"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Binance  BinanceConfig  `toml:"binance" yaml:"binance"`
	Engine   EngineConfig   `toml:"engine" yaml:"engine"`
	Backtest BacktestConfig `toml:"backtest" yaml:"backtest"`
}

type AppConfig struct {
	Env      string `toml:"env" yaml:"env"`
	LogLevel string `toml:"log_level" yaml:"log_level"`
	LogPath  string `toml:"log_path" yaml:"log_path"` // empty logs to stdout
}

type DatabaseConfig struct {
	Driver       string `toml:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DSN          string `toml:"dsn" yaml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns" yaml:"max_open_conns"`
}

// BinanceConfig holds venue credentials and transport tuning. Node parameters
// may override the credentials per workflow.
type BinanceConfig struct {
	APIKey           string      `toml:"api_key" yaml:"api_key"`
	APISecret        string      `toml:"api_secret" yaml:"api_secret"`
	BaseURL          string      `toml:"base_url" yaml:"base_url"` // empty uses the venue default
	FeederMaxRetries int         `toml:"feeder_max_retries" yaml:"feeder_max_retries"`
	Retry            RetryConfig `toml:"retry" yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `toml:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `toml:"max_delay_ms" yaml:"max_delay_ms"`
}

// EngineConfig tunes the workflow runtime.
type EngineConfig struct {
	Capacity                int `toml:"capacity" yaml:"capacity"` // per-pipe candle buffer
	BusCapacity             int `toml:"bus_capacity" yaml:"bus_capacity"`
	GracePeriodSeconds      int `toml:"grace_period_seconds" yaml:"grace_period_seconds"`
	ProgressIntervalSeconds int `toml:"progress_interval_seconds" yaml:"progress_interval_seconds"`
}

type BacktestConfig struct {
	EnableBackfill bool    `toml:"enable_backfill" yaml:"enable_backfill"`
	PacingSpeed    float64 `toml:"pacing_speed" yaml:"pacing_speed"` // <= 0 replays at full speed
	GapPolicy      string  `toml:"gap_policy" yaml:"gap_policy"`     // "abort" | "skip"
}

// keySet tracks field paths explicitly present in the loaded files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
