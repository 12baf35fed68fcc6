package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"

	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/types"
)

const backfillPageLimit = 1000

// Backfill downloads the klines of one series for a time range and persists
// them, so a replay has complete history before it starts. Pages through the
// venue's kline endpoint; already-stored candles are upserted in place.
type Backfill struct {
	api    *binance.Client
	writer KlineWriter
}

func NewBackfill(writer KlineWriter) (*Backfill, error) {
	if writer == nil {
		return nil, fmt.Errorf("kline backfill: writer is required")
	}
	// public market data needs no credentials
	return &Backfill{api: binance.NewClient("", ""), writer: writer}, nil
}

// Run fetches [fromMs, toMs) for the series. Returns the number of candles
// written.
func (b *Backfill) Run(ctx context.Context, symbol types.Symbol, interval types.Interval, fromMs, toMs int64) (int, error) {
	if !interval.Valid() {
		return 0, fmt.Errorf("kline backfill: invalid interval %q", interval)
	}
	if toMs <= fromMs {
		return 0, fmt.Errorf("kline backfill: empty range [%d, %d)", fromMs, toMs)
	}

	written := 0
	cursor := fromMs
	started := time.Now()
	for cursor < toMs {
		klines, err := b.api.NewKlinesService().
			Symbol(string(symbol)).
			Interval(string(interval)).
			StartTime(cursor).
			EndTime(toMs - 1).
			Limit(backfillPageLimit).
			Do(ctx)
		if err != nil {
			return written, classify(err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			candle, err := convertRESTKline(symbol, interval, k)
			if err != nil {
				return written, err
			}
			if err := b.writer.UpsertKline(ctx, candle); err != nil {
				return written, fmt.Errorf("kline backfill: storing candle %d: %w", candle.OpenTime, err)
			}
			written++
			cursor = candle.OpenTime + interval.Duration().Milliseconds()
		}
		if len(klines) < backfillPageLimit {
			break
		}
	}
	logger.Infof("backfill %s/%s: %d candles in %s", symbol, interval, written, time.Since(started).Round(time.Millisecond))
	return written, nil
}

func convertRESTKline(symbol types.Symbol, interval types.Interval, k *binance.Kline) (market.Candle, error) {
	open, err := parseDecimal("open", k.Open)
	if err != nil {
		return market.Candle{}, err
	}
	high, err := parseDecimal("high", k.High)
	if err != nil {
		return market.Candle{}, err
	}
	low, err := parseDecimal("low", k.Low)
	if err != nil {
		return market.Candle{}, err
	}
	klineClose, err := parseDecimal("close", k.Close)
	if err != nil {
		return market.Candle{}, err
	}
	volume, err := parseDecimal("volume", k.Volume)
	if err != nil {
		return market.Candle{}, err
	}
	return market.Candle{
		Exchange: types.ExchangeBinance,
		Market:   types.MarketSpot,
		Symbol:   symbol,
		Interval: interval,
		OpenTime: k.OpenTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    klineClose,
		Volume:   volume,
	}, nil
}
