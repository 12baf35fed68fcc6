package stats

import (
	"github.com/shopspring/decimal"

	"quantflow/internal/market"
)

// PositionPoint is one persisted position snapshot in time.
type PositionPoint struct {
	Timestamp         int64 // unix ms
	BaseAssetBalance  decimal.Decimal
	QuoteAssetBalance decimal.Decimal
}

// NetValue is one point of the equity curve.
type NetValue struct {
	Timestamp int64
	Value     decimal.Decimal // total asset value in quote units
	NetValue  decimal.Decimal // value / initial value
	Drawdown  decimal.Decimal // fraction below the running peak
}

// NetValueSeries values the position history against the candle series. For
// each candle, the last position at or before its open time is priced at the
// candle close.
func (d *Data) NetValueSeries(positions []PositionPoint, candles []market.Candle) []NetValue {
	if len(positions) == 0 || len(candles) == 0 {
		return nil
	}

	initialValue := d.InitialBaseBalance.Mul(d.InitialPrice).Add(d.InitialQuoteBalance)
	if initialValue.Sign() <= 0 {
		return nil
	}

	results := make([]NetValue, 0, len(candles))
	maxNetValue := decimal.NewFromInt(1)

	for _, candle := range candles {
		position := positions[0]
		for i := len(positions) - 1; i >= 0; i-- {
			if positions[i].Timestamp <= candle.OpenTime {
				position = positions[i]
				break
			}
		}

		totalValue := position.BaseAssetBalance.Mul(candle.Close).Add(position.QuoteAssetBalance)
		netValue := totalValue.Div(initialValue)

		var drawdown decimal.Decimal
		if netValue.LessThan(maxNetValue) {
			drawdown = maxNetValue.Sub(netValue).Div(maxNetValue)
		} else {
			maxNetValue = netValue
		}

		results = append(results, NetValue{
			Timestamp: candle.OpenTime,
			Value:     totalValue,
			NetValue:  netValue,
			Drawdown:  drawdown,
		})
	}
	return results
}

// MaxDrawdown returns the largest drawdown of the series.
func MaxDrawdown(series []NetValue) decimal.Decimal {
	var max decimal.Decimal
	for _, nv := range series {
		if nv.Drawdown.GreaterThan(max) {
			max = nv.Drawdown
		}
	}
	return max
}
