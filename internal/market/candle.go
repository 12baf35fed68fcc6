// Package market provides the unified market-data abstraction: one Candle
// model and one Source contract, with a replay implementation for backtests
// and a notification-driven implementation for live feeds. Strategy code never
// learns which of the two is behind its stream.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantflow/internal/types"
)

// Candle is one OHLCV observation. Prices and volume are exact decimals;
// OpenTime is Unix milliseconds and is the identity of a candle within its
// (exchange, symbol, interval) series.
type Candle struct {
	Exchange types.Exchange  `json:"exchange"`
	Market   types.Market    `json:"market"`
	Symbol   types.Symbol    `json:"symbol"`
	Interval types.Interval  `json:"interval"`
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open_price"`
	High     decimal.Decimal `json:"high_price"`
	Low      decimal.Decimal `json:"low_price"`
	Close    decimal.Decimal `json:"close_price"`
	Volume   decimal.Decimal `json:"volume"`
}

func (c Candle) OpenedAt() time.Time {
	return time.UnixMilli(c.OpenTime)
}

func (c Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if !c.Interval.Valid() {
		return fmt.Errorf("candle %s: invalid interval %q", c.Symbol, c.Interval)
	}
	if c.OpenTime <= 0 {
		return fmt.Errorf("candle %s: open_time must be positive", c.Symbol)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("candle %s@%d: high below low", c.Symbol, c.OpenTime)
	}
	return nil
}

// Series identifies one candle stream.
type Series struct {
	Exchange types.Exchange
	Market   types.Market
	Symbol   types.Symbol
	Interval types.Interval
}

func (s Series) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Exchange, s.Market, s.Symbol, s.Interval)
}
