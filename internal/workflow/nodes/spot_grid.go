package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quantflow/internal/exchange"
	"quantflow/internal/logger"
	"quantflow/internal/stats"
	"quantflow/internal/workflow"
)

// SpotGrid trades a ladder of buy-low/sell-high bands between a lower and an
// upper price. Each candle close drives the grid state machine; executions are
// market orders against the connected client and every fill is forwarded on
// the trade stream.
//
// params: [mode, lower, upper, rows, investment, trigger?, stop_loss?,
//
//	take_profit?, sell_all_on_stop?]
//
// inputs:  0 PairInfo, 1 SpotClient, 2 CandleStream
// outputs: 0 TradeStream
type SpotGrid struct {
	base
	deps Deps

	mode          gridMode
	lowerPrice    decimal.Decimal
	upperPrice    decimal.Decimal
	gridRows      int64
	investment    decimal.Decimal
	sellAllOnStop bool

	grid *grid
	pair workflow.PairInfo
	gw   exchange.Gateway
}

func newSpotGrid(def workflow.NodeDef, deps Deps) (*SpotGrid, error) {
	params := def.Properties.Params

	modeRaw, err := params.String(0)
	if err != nil {
		return nil, err
	}
	mode, err := parseGridMode(modeRaw)
	if err != nil {
		return nil, err
	}
	lower, err := params.Decimal(1)
	if err != nil {
		return nil, fmt.Errorf("lower price: %w", err)
	}
	upper, err := params.Decimal(2)
	if err != nil {
		return nil, fmt.Errorf("upper price: %w", err)
	}
	if lower.GreaterThanOrEqual(upper) {
		return nil, fmt.Errorf("lower price %s must be below upper price %s", lower, upper)
	}
	rows, err := params.Int(3)
	if err != nil {
		return nil, err
	}
	if rows < 2 || rows >= 150 {
		return nil, fmt.Errorf("grid rows %d out of range [2, 150)", rows)
	}
	investment, err := params.Decimal(4)
	if err != nil {
		return nil, fmt.Errorf("investment: %w", err)
	}
	if investment.Sign() <= 0 {
		return nil, fmt.Errorf("investment must be positive, got %s", investment)
	}

	trigger, hasTrigger, err := params.OptionalDecimal(5)
	if err != nil {
		return nil, fmt.Errorf("trigger price: %w", err)
	}
	stopLoss, hasStopLoss, err := params.OptionalDecimal(6)
	if err != nil {
		return nil, fmt.Errorf("stop loss: %w", err)
	}
	takeProfit, hasTakeProfit, err := params.OptionalDecimal(7)
	if err != nil {
		return nil, fmt.Errorf("take profit: %w", err)
	}
	sellAllOnStop := true
	if v, err := params.Bool(8); err == nil {
		sellAllOnStop = v
	}

	n := &SpotGrid{
		base: newBase(def, workflow.KindStrategy,
			[]workflow.PortSpec{
				{Name: "pair", Type: workflow.PortPairInfo},
				{Name: "client", Type: workflow.PortSpotClient},
				{Name: "candles", Type: workflow.PortCandleStream},
			},
			[]workflow.PortSpec{
				{Name: "trades", Type: workflow.PortTradeStream},
			}),
		deps:          deps,
		mode:          mode,
		lowerPrice:    lower,
		upperPrice:    upper,
		gridRows:      int64(rows),
		investment:    investment,
		sellAllOnStop: sellAllOnStop,
	}
	n.grid = &grid{
		trigger:       trigger,
		hasTrigger:    hasTrigger,
		stopLoss:      stopLoss,
		hasStopLoss:   hasStopLoss,
		takeProfit:    takeProfit,
		hasTakeProfit: hasTakeProfit,
	}
	return n, nil
}

func (n *SpotGrid) Run(ctx context.Context, env *workflow.Env) error {
	pairIn, err := n.ports.Input(0)
	if err != nil {
		return err
	}
	clientIn, err := n.ports.Input(1)
	if err != nil {
		return err
	}
	candleIn, err := n.ports.Input(2)
	if err != nil {
		return err
	}

	n.pair, err = pairIn.RecvPair(ctx)
	if err != nil {
		return err
	}
	n.gw, err = clientIn.RecvClient(ctx)
	if err != nil {
		return err
	}

	// the first candle seeds the grid
	first, ok, err := candleIn.RecvCandle(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("spot grid %d: candle stream closed before first candle", n.id)
	}
	if err := n.initialize(ctx, env, first.Close); err != nil {
		return err
	}
	n.grid.start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return forwardFills(gctx, env, n.id, n.gw, n.ports, 0)
	})
	g.Go(func() error {
		if err := n.onPrice(gctx, first.Close); err != nil {
			return err
		}
		for {
			candle, ok, err := candleIn.RecvCandle(gctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := env.WaitIfPaused(gctx); err != nil {
				return err
			}
			if err := n.onPrice(gctx, candle.Close); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

// initialize verifies the funding, seeds the stats shard and builds the grid
// ladder from the venue's precision and fee schedule.
func (n *SpotGrid) initialize(ctx context.Context, env *workflow.Env, initialPrice decimal.Decimal) error {
	account, err := n.gw.Account(ctx)
	if err != nil {
		return fmt.Errorf("spot grid %d: account: %w", n.id, err)
	}
	balance, err := n.gw.Balance(ctx, n.pair.QuoteAsset)
	if err != nil {
		return fmt.Errorf("spot grid %d: balance: %w", n.id, err)
	}
	if balance.Free.LessThan(n.investment) {
		return fmt.Errorf("spot grid %d: insufficient free %s balance: have %s, need %s",
			n.id, n.pair.QuoteAsset, balance.Free, n.investment)
	}
	info, err := n.gw.SymbolInfo(ctx, n.pair.BaseAsset, n.pair.QuoteAsset)
	if err != nil {
		return fmt.Errorf("spot grid %d: symbol info: %w", n.id, err)
	}

	key := stats.Key{
		WorkflowID: env.WorkflowID,
		NodeID:     n.id,
		Symbol:     n.gw.Symbol(n.pair.BaseAsset, n.pair.QuoteAsset),
	}
	n.deps.Stats.Initialize(key, n.gw.Exchange(), n.pair.BaseAsset, n.pair.QuoteAsset,
		account.MakerCommissionRate, account.TakerCommissionRate)
	if err := n.deps.Stats.InitializeBalance(ctx, key, decimal.Zero, n.investment, initialPrice); err != nil {
		return fmt.Errorf("spot grid %d: initializing balance: %w", n.id, err)
	}

	prices := calcGridPrices(n.mode, n.lowerPrice, n.upperPrice, n.gridRows, info.QuoteAssetPrecision)
	seeded := newGrid(n.investment, prices, initialPrice,
		info.BaseAssetPrecision, info.QuoteAssetPrecision, account.TakerCommissionRate)
	seeded.trigger, seeded.hasTrigger = n.grid.trigger, n.grid.hasTrigger
	seeded.stopLoss, seeded.hasStopLoss = n.grid.stopLoss, n.grid.hasStopLoss
	seeded.takeProfit, seeded.hasTakeProfit = n.grid.takeProfit, n.grid.hasTakeProfit
	n.grid = seeded
	return nil
}

// onPrice runs the grid machine for one observation and executes its signal.
// Order failures unlock the grid and are logged, not fatal: the next candle
// retries naturally.
func (n *SpotGrid) onPrice(ctx context.Context, price decimal.Decimal) error {
	sig, qty := n.grid.evaluate(price)
	switch sig {
	case signalNone:
		return nil

	case signalBuy:
		order, err := n.marketOrder(ctx, exchange.Buy, qty)
		if err != nil {
			n.grid.unlock()
			logger.Warnf("spot grid %d: buy %s %s failed: %v", n.id, qty, n.pair.BaseAsset, err)
			return nil
		}
		n.grid.updateWithOrder(sig)
		logger.Infof("spot grid %d: bought %s %s at %s", n.id, order.ExecutedQty, n.pair.BaseAsset, order.AvgPrice)

	case signalSell:
		order, err := n.marketOrder(ctx, exchange.Sell, qty)
		if err != nil {
			n.grid.unlock()
			logger.Warnf("spot grid %d: sell %s %s failed: %v", n.id, qty, n.pair.BaseAsset, err)
			return nil
		}
		n.grid.updateWithOrder(sig)
		logger.Infof("spot grid %d: sold %s %s at %s", n.id, order.ExecutedQty, n.pair.BaseAsset, order.AvgPrice)

	case signalStopLoss:
		if !n.sellAllOnStop {
			n.grid.stop()
			logger.Infof("spot grid %d: stop loss hit at %s, holding position", n.id, price)
			return nil
		}
		n.sellEverything(ctx, sig, "stop loss", price)

	case signalTakeProfit:
		n.sellEverything(ctx, sig, "take profit", price)
	}
	return nil
}

// sellEverything liquidates the free base balance and halts the grid.
func (n *SpotGrid) sellEverything(ctx context.Context, sig gridSignal, reason string, price decimal.Decimal) {
	balance, err := n.gw.Balance(ctx, n.pair.BaseAsset)
	if err != nil {
		n.grid.unlock()
		logger.Warnf("spot grid %d: %s at %s: balance: %v", n.id, reason, price, err)
		return
	}
	if balance.Free.Sign() <= 0 {
		n.grid.stop()
		logger.Infof("spot grid %d: %s at %s, nothing to liquidate", n.id, reason, price)
		return
	}
	order, err := n.marketOrder(ctx, exchange.Sell, balance.Free)
	if err != nil {
		n.grid.unlock()
		logger.Warnf("spot grid %d: %s liquidation failed: %v", n.id, reason, err)
		return
	}
	n.grid.updateWithOrder(sig)
	n.grid.stop()
	logger.Infof("spot grid %d: %s at %s, liquidated %s %s", n.id, reason, price, order.ExecutedQty, n.pair.BaseAsset)
}

func (n *SpotGrid) marketOrder(ctx context.Context, side exchange.OrderSide, qty decimal.Decimal) (exchange.Order, error) {
	return n.gw.SubmitOrder(ctx, exchange.OrderIntent{
		Token:      uuid.NewString(),
		BaseAsset:  n.pair.BaseAsset,
		QuoteAsset: n.pair.QuoteAsset,
		Side:       side,
		Type:       exchange.Market,
		Quantity:   qty,
	})
}
