package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantflow/internal/exchange/binance"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/types"
	"quantflow/internal/workflow"
)

const timeLayout = "2006-01-02 15:04:05"

const backfillAttempts = 3

// BacktestSpotTicker replays stored klines of one pair over a fixed time
// range. Optionally backfills missing history from the venue before the
// replay starts.
//
// params: [base, quote, start, end, interval?]
// outputs: 0 PairInfo, 1 CandleStream
type BacktestSpotTicker struct {
	base
	deps Deps

	pair     workflow.PairInfo
	series   market.Series
	fromMs   int64
	toMs     int64
	replay   *market.ReplaySource
	backfill bool
}

func newBacktestSpotTicker(def workflow.NodeDef, deps Deps) (*BacktestSpotTicker, error) {
	params := def.Properties.Params
	baseAsset, err := params.String(0)
	if err != nil {
		return nil, err
	}
	quoteAsset, err := params.String(1)
	if err != nil {
		return nil, err
	}
	startRaw, err := params.String(2)
	if err != nil {
		return nil, err
	}
	endRaw, err := params.String(3)
	if err != nil {
		return nil, err
	}
	start, err := time.ParseInLocation(timeLayout, startRaw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("start time: %w", err)
	}
	end, err := time.ParseInLocation(timeLayout, endRaw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("end time: %w", err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end %s not after start %s", endRaw, startRaw)
	}
	interval := types.Interval1m
	if raw, err := params.String(4); err == nil && raw != "" {
		interval, err = types.ParseInterval(raw)
		if err != nil {
			return nil, err
		}
	}

	series := market.Series{
		Exchange: types.ExchangeBinance,
		Market:   types.MarketSpot,
		Symbol:   types.SpotSymbol(baseAsset, quoteAsset),
		Interval: interval,
	}
	replay, err := market.NewReplaySource(deps.Klines, series, start.UnixMilli(), end.UnixMilli(),
		market.WithPacing(deps.Pacing),
		market.WithGapPolicy(deps.GapPolicy),
		market.WithCapacity(deps.Capacity),
	)
	if err != nil {
		return nil, err
	}

	return &BacktestSpotTicker{
		base: newBase(def, workflow.KindSource,
			nil,
			[]workflow.PortSpec{
				{Name: "pair", Type: workflow.PortPairInfo},
				{Name: "candles", Type: workflow.PortCandleStream},
			}),
		deps:     deps,
		pair:     workflow.PairInfo{BaseAsset: baseAsset, QuoteAsset: quoteAsset},
		series:   series,
		fromMs:   start.UnixMilli(),
		toMs:     end.UnixMilli(),
		replay:   replay,
		backfill: deps.EnableBackfill,
	}, nil
}

// Progress reports consumed vs. total replay candles.
func (n *BacktestSpotTicker) Progress() (consumed, total int64) {
	return n.replay.Progress()
}

func (n *BacktestSpotTicker) Run(ctx context.Context, env *workflow.Env) error {
	if err := n.ports.HandoffPair(ctx, 0, n.pair); err != nil {
		return err
	}

	if n.backfill {
		n.runBackfill(ctx)
	}

	candles, err := n.replay.Stream(ctx)
	if err != nil {
		return err
	}
	for candle := range candles {
		if err := env.WaitIfPaused(ctx); err != nil {
			return err
		}
		if err := n.ports.BroadcastCandle(ctx, 1, candle); err != nil {
			return err
		}
	}
	if err := n.replay.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replaying %s: %w", n.series, err)
	}
	return ctx.Err()
}

// runBackfill tries to complete the stored history. Failures degrade to a
// warning; the replay's gap policy decides whether holes matter.
func (n *BacktestSpotTicker) runBackfill(ctx context.Context) {
	backfill, err := binance.NewBackfill(n.deps.KlineWriter)
	if err != nil {
		logger.Warnf("backtest ticker %s: backfill unavailable: %v", n.series, err)
		return
	}
	for attempt := 1; attempt <= backfillAttempts; attempt++ {
		_, err = backfill.Run(ctx, n.series.Symbol, n.series.Interval, n.fromMs, n.toMs)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("backtest ticker %s: backfill attempt %d/%d: %v", n.series, attempt, backfillAttempts, err)
	}
	logger.Warnf("backtest ticker %s: continuing with stored history only", n.series)
}
