package nodes

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"quantflow/internal/exchange/binance"
	"quantflow/internal/market"
	"quantflow/internal/types"
	"quantflow/internal/workflow"
)

// BinanceSpotTicker streams live klines of one pair. A websocket feeder
// writes every venue update into the store, whose change notifications drive
// the live source; the node only ever emits closed bars.
//
// params: [base, quote, interval?]
// outputs: 0 PairInfo, 1 CandleStream
type BinanceSpotTicker struct {
	base
	deps Deps

	pair   workflow.PairInfo
	series market.Series
}

func newBinanceSpotTicker(def workflow.NodeDef, deps Deps) (*BinanceSpotTicker, error) {
	params := def.Properties.Params
	baseAsset, err := params.String(0)
	if err != nil {
		return nil, err
	}
	quoteAsset, err := params.String(1)
	if err != nil {
		return nil, err
	}
	interval := types.Interval1m
	if raw, err := params.String(2); err == nil && raw != "" {
		interval, err = types.ParseInterval(raw)
		if err != nil {
			return nil, err
		}
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("live ticker requires the event bus")
	}

	return &BinanceSpotTicker{
		base: newBase(def, workflow.KindSource,
			nil,
			[]workflow.PortSpec{
				{Name: "pair", Type: workflow.PortPairInfo},
				{Name: "candles", Type: workflow.PortCandleStream},
			}),
		deps: deps,
		pair: workflow.PairInfo{BaseAsset: baseAsset, QuoteAsset: quoteAsset},
		series: market.Series{
			Exchange: types.ExchangeBinance,
			Market:   types.MarketSpot,
			Symbol:   types.SpotSymbol(baseAsset, quoteAsset),
			Interval: interval,
		},
	}, nil
}

func (n *BinanceSpotTicker) Run(ctx context.Context, env *workflow.Env) error {
	if err := n.ports.HandoffPair(ctx, 0, n.pair); err != nil {
		return err
	}

	feeder, err := binance.NewFeeder(n.deps.KlineWriter, n.series.Symbol, n.series.Interval, n.deps.FeederMaxRetries)
	if err != nil {
		return err
	}
	live, err := market.NewLiveSource(n.deps.Bus, n.series, n.deps.Capacity)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feeder.Run(gctx)
	})
	g.Go(func() error {
		candles, err := live.Stream(gctx)
		if err != nil {
			return err
		}
		for candle := range candles {
			if err := env.WaitIfPaused(gctx); err != nil {
				return err
			}
			if err := n.ports.BroadcastCandle(gctx, 1, candle); err != nil {
				return err
			}
		}
		return gctx.Err()
	})
	return g.Wait()
}
