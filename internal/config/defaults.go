package config

import "strings"

const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "data/quantflow.db"
	defaultFeederRetries    = 5
	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelayMs = 500
	defaultRetryMaxDelayMs  = 10000
	defaultEngineCapacity   = 64
	defaultBusCapacity      = 256
	defaultGraceSeconds     = 10
	defaultProgressSeconds  = 1
	defaultGapPolicy        = "abort"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Binance.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.driver", &d.Driver, defaultDatabaseDriver),
		stringFieldDefault("database.dsn", &d.DSN, defaultDatabaseDSN),
	)
	if d.MaxOpenConns < 0 {
		d.MaxOpenConns = 0
	}
}

func (b *BinanceConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "binance.feeder_max_retries",
			need:  func() bool { return b.FeederMaxRetries <= 0 },
			apply: func() { b.FeederMaxRetries = defaultFeederRetries },
		},
		fieldDefault{
			key:   "binance.retry.max_attempts",
			need:  func() bool { return b.Retry.MaxAttempts <= 0 },
			apply: func() { b.Retry.MaxAttempts = defaultRetryMaxAttempts },
		},
		fieldDefault{
			key:   "binance.retry.base_delay_ms",
			need:  func() bool { return b.Retry.BaseDelayMs <= 0 },
			apply: func() { b.Retry.BaseDelayMs = defaultRetryBaseDelayMs },
		},
		fieldDefault{
			key:   "binance.retry.max_delay_ms",
			need:  func() bool { return b.Retry.MaxDelayMs <= 0 },
			apply: func() { b.Retry.MaxDelayMs = defaultRetryMaxDelayMs },
		},
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "engine.capacity",
			need:  func() bool { return e.Capacity <= 0 },
			apply: func() { e.Capacity = defaultEngineCapacity },
		},
		fieldDefault{
			key:   "engine.bus_capacity",
			need:  func() bool { return e.BusCapacity <= 0 },
			apply: func() { e.BusCapacity = defaultBusCapacity },
		},
		fieldDefault{
			key:   "engine.grace_period_seconds",
			need:  func() bool { return e.GracePeriodSeconds <= 0 },
			apply: func() { e.GracePeriodSeconds = defaultGraceSeconds },
		},
		fieldDefault{
			key:   "engine.progress_interval_seconds",
			need:  func() bool { return e.ProgressIntervalSeconds <= 0 },
			apply: func() { e.ProgressIntervalSeconds = defaultProgressSeconds },
		},
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("backtest.enable_backfill", &b.EnableBackfill, true),
		stringFieldDefault("backtest.gap_policy", &b.GapPolicy, defaultGapPolicy),
	)
	if b.PacingSpeed < 0 {
		b.PacingSpeed = 0
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
