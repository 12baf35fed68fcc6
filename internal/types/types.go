// Package types holds the shared primitives every other package builds on:
// exchanges, markets, symbols and kline intervals. Values are plain strings
// with normalization helpers so they can be persisted and compared directly.
package types

import (
	"fmt"
	"strings"
	"time"
)

const BacktestExchange = "backtest"

type Exchange string

const (
	ExchangeBinance Exchange = "binance"
)

func (e Exchange) String() string { return string(e) }

type Market string

const (
	MarketSpot Market = "spot"
	MarketUsdm Market = "usdm"
)

func (m Market) String() string { return string(m) }

// Symbol is the exchange-form pair symbol, e.g. "BTCUSDT".
type Symbol string

func (s Symbol) String() string { return string(s) }

// SpotSymbol builds the exchange symbol from a base/quote pair.
func SpotSymbol(baseAsset, quoteAsset string) Symbol {
	return Symbol(strings.ToUpper(baseAsset) + strings.ToUpper(quoteAsset))
}

// Interval is a kline interval in exchange notation ("1m", "1h", ...).
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1s:  time.Second,
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  72 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
}

func (i Interval) String() string { return string(i) }

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the wall-clock span of one bar of this interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// ParseInterval validates and normalizes an interval string.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.TrimSpace(s))
	if !iv.Valid() {
		return "", fmt.Errorf("unknown kline interval: %q", s)
	}
	return iv, nil
}
