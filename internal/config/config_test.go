package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
app:
  env: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Empty(t, cfg.App.LogPath)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/quantflow.db", cfg.Database.DSN)

	assert.Equal(t, 5, cfg.Binance.FeederMaxRetries)
	assert.Equal(t, 3, cfg.Binance.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Binance.Retry.BaseDelayMs)
	assert.Equal(t, 10000, cfg.Binance.Retry.MaxDelayMs)

	assert.Equal(t, 64, cfg.Engine.Capacity)
	assert.Equal(t, 256, cfg.Engine.BusCapacity)
	assert.Equal(t, 10, cfg.Engine.GracePeriodSeconds)
	assert.Equal(t, 1, cfg.Engine.ProgressIntervalSeconds)

	assert.True(t, cfg.Backtest.EnableBackfill)
	assert.Equal(t, "abort", cfg.Backtest.GapPolicy)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
app:
  log_level: debug
engine:
  capacity: 16
backtest:
  enable_backfill: false
  pacing_speed: 2.5
  gap_policy: skip
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 16, cfg.Engine.Capacity)
	// an explicit false must survive default application
	assert.False(t, cfg.Backtest.EnableBackfill)
	assert.Equal(t, 2.5, cfg.Backtest.PacingSpeed)
	assert.Equal(t, "skip", cfg.Backtest.GapPolicy)
}

func TestLoadMergesIncludeChain(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "db.yaml", `
database:
  driver: postgres
  dsn: host=db.internal user=quant dbname=quantflow
  max_open_conns: 10
`)
	base := writeConfigFile(t, dir, "config.yaml", `
include:
  - db.yaml
database:
  dsn: host=localhost user=quant dbname=quantflow
binance:
  api_key: k
  api_secret: s
`)
	cfg, err := Load(base)
	require.NoError(t, err)

	// the including file wins over its includes
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=localhost user=quant dbname=quantflow", cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, "k", cfg.Binance.APIKey)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `
include:
  - b.yaml
`)
	writeConfigFile(t, dir, "b.yaml", `
include:
  - a.yaml
`)
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		msg  string
	}{
		{
			"bad log level",
			"app:\n  log_level: verbose\n",
			"app.log_level",
		},
		{
			"bad driver",
			"database:\n  driver: mysql\n",
			"database.driver",
		},
		{
			"explicit empty dsn",
			"database:\n  dsn: \"\"\n",
			"database.dsn",
		},
		{
			"one-sided credentials",
			"binance:\n  api_key: k\n",
			"api_key and api_secret",
		},
		{
			"bad gap policy",
			"backtest:\n  gap_policy: ignore\n",
			"backtest.gap_policy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, t.TempDir(), "config.yaml", tc.raw)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestDumpMasksCredentials(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
binance:
  api_key: real-key
  api_secret: real-secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dump := cfg.Dump()
	assert.NotContains(t, dump, "real-key")
	assert.NotContains(t, dump, "real-secret")
	assert.Contains(t, dump, "***")
	assert.Contains(t, dump, "gap_policy: abort")
	// the loaded config itself keeps the real values
	assert.Equal(t, "real-key", cfg.Binance.APIKey)
}

func TestLoadPathErrors(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
