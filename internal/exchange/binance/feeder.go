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

// KlineWriter persists a candle; the store publishes a kline_change event for
// every write, which is what drives live sources.
type KlineWriter interface {
	UpsertKline(ctx context.Context, c market.Candle) error
}

// Feeder subscribes to the venue's kline websocket and writes every update
// into the store. Disconnects reconnect with growing delay up to MaxRetries;
// only an exhausted budget stops the feeder with an error.
type Feeder struct {
	writer     KlineWriter
	symbol     types.Symbol
	interval   types.Interval
	maxRetries int
}

func NewFeeder(writer KlineWriter, symbol types.Symbol, interval types.Interval, maxRetries int) (*Feeder, error) {
	if writer == nil {
		return nil, fmt.Errorf("kline feeder: writer is required")
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("kline feeder: invalid interval %q", interval)
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Feeder{writer: writer, symbol: symbol, interval: interval, maxRetries: maxRetries}, nil
}

// Run blocks until ctx is cancelled or the reconnect budget is exhausted.
func (f *Feeder) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wsErrC := make(chan error, 1)
		handler := func(event *binance.WsKlineEvent) {
			candle, err := convertWsKline(event)
			if err != nil {
				logger.Warnf("kline feeder %s/%s: %v", f.symbol, f.interval, err)
				return
			}
			if err := f.writer.UpsertKline(ctx, candle); err != nil {
				logger.Warnf("kline feeder %s/%s: storing candle: %v", f.symbol, f.interval, err)
			}
		}
		errHandler := func(err error) {
			select {
			case wsErrC <- err:
			default:
			}
		}

		doneC, stopC, err := binance.WsKlineServe(string(f.symbol), string(f.interval), handler, errHandler)
		if err == nil {
			failures = 0
			select {
			case <-ctx.Done():
				close(stopC)
				return ctx.Err()
			case err = <-wsErrC:
				close(stopC)
				logger.Warnf("kline feeder %s/%s: stream error: %v", f.symbol, f.interval, err)
			case <-doneC:
				logger.Warnf("kline feeder %s/%s: stream closed", f.symbol, f.interval)
			}
		}

		failures++
		if failures > f.maxRetries {
			return fmt.Errorf("kline feeder %s/%s: reconnect budget exhausted: %w", f.symbol, f.interval, err)
		}
		delay := time.Duration(failures) * time.Second
		logger.Infof("kline feeder %s/%s: reconnecting in %s (%d/%d)", f.symbol, f.interval, delay, failures, f.maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func convertWsKline(event *binance.WsKlineEvent) (market.Candle, error) {
	k := event.Kline
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
		Symbol:   types.Symbol(event.Symbol),
		Interval: types.Interval(k.Interval),
		OpenTime: k.StartTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    klineClose,
		Volume:   volume,
	}, nil
}
