package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quantflow/internal/exchange"
	"quantflow/internal/logger"
	"quantflow/internal/stats"
	"quantflow/internal/workflow"
)

// Momentum trades simple moving average crossovers: a golden cross buys the
// configured investment at market, a death cross liquidates the position.
// At most one position is held at a time.
//
// params: [fast_period, slow_period, investment]
// inputs:  0 PairInfo, 1 SpotClient, 2 CandleStream
// outputs: 0 TradeStream
type Momentum struct {
	base
	deps Deps

	fastPeriod int
	slowPeriod int
	investment decimal.Decimal

	pair          workflow.PairInfo
	gw            exchange.Gateway
	basePrecision int32

	closes   []float64
	prevFast float64
	prevSlow float64
	primed   bool
	holding  bool
}

func newMomentum(def workflow.NodeDef, deps Deps) (*Momentum, error) {
	params := def.Properties.Params
	fast, err := params.Int(0)
	if err != nil {
		return nil, fmt.Errorf("fast period: %w", err)
	}
	slow, err := params.Int(1)
	if err != nil {
		return nil, fmt.Errorf("slow period: %w", err)
	}
	if fast < 1 || slow <= fast {
		return nil, fmt.Errorf("periods must satisfy 1 <= fast < slow, got %d/%d", fast, slow)
	}
	investment, err := params.Decimal(2)
	if err != nil {
		return nil, fmt.Errorf("investment: %w", err)
	}
	if investment.Sign() <= 0 {
		return nil, fmt.Errorf("investment must be positive, got %s", investment)
	}

	return &Momentum{
		base: newBase(def, workflow.KindStrategy,
			[]workflow.PortSpec{
				{Name: "pair", Type: workflow.PortPairInfo},
				{Name: "client", Type: workflow.PortSpotClient},
				{Name: "candles", Type: workflow.PortCandleStream},
			},
			[]workflow.PortSpec{
				{Name: "trades", Type: workflow.PortTradeStream},
			}),
		deps:       deps,
		fastPeriod: fast,
		slowPeriod: slow,
		investment: investment,
	}, nil
}

func (n *Momentum) Run(ctx context.Context, env *workflow.Env) error {
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

	first, ok, err := candleIn.RecvCandle(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("momentum %d: candle stream closed before first candle", n.id)
	}
	if err := n.initialize(ctx, env, first.Close); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return forwardFills(gctx, env, n.id, n.gw, n.ports, 0)
	})
	g.Go(func() error {
		if err := n.onCandle(gctx, first.Close); err != nil {
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
			if err := n.onCandle(gctx, candle.Close); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

func (n *Momentum) initialize(ctx context.Context, env *workflow.Env, initialPrice decimal.Decimal) error {
	account, err := n.gw.Account(ctx)
	if err != nil {
		return fmt.Errorf("momentum %d: account: %w", n.id, err)
	}
	balance, err := n.gw.Balance(ctx, n.pair.QuoteAsset)
	if err != nil {
		return fmt.Errorf("momentum %d: balance: %w", n.id, err)
	}
	if balance.Free.LessThan(n.investment) {
		return fmt.Errorf("momentum %d: insufficient free %s balance: have %s, need %s",
			n.id, n.pair.QuoteAsset, balance.Free, n.investment)
	}
	info, err := n.gw.SymbolInfo(ctx, n.pair.BaseAsset, n.pair.QuoteAsset)
	if err != nil {
		return fmt.Errorf("momentum %d: symbol info: %w", n.id, err)
	}
	n.basePrecision = info.BaseAssetPrecision

	key := stats.Key{
		WorkflowID: env.WorkflowID,
		NodeID:     n.id,
		Symbol:     n.gw.Symbol(n.pair.BaseAsset, n.pair.QuoteAsset),
	}
	n.deps.Stats.Initialize(key, n.gw.Exchange(), n.pair.BaseAsset, n.pair.QuoteAsset,
		account.MakerCommissionRate, account.TakerCommissionRate)
	if err := n.deps.Stats.InitializeBalance(ctx, key, decimal.Zero, n.investment, initialPrice); err != nil {
		return fmt.Errorf("momentum %d: initializing balance: %w", n.id, err)
	}
	return nil
}

// onCandle folds one close into the SMA window and trades the crossover.
// Order failures are logged and retried on the next cross, never fatal.
func (n *Momentum) onCandle(ctx context.Context, close decimal.Decimal) error {
	price, _ := close.Float64()
	n.closes = append(n.closes, price)
	if len(n.closes) > n.slowPeriod*2 {
		n.closes = n.closes[len(n.closes)-n.slowPeriod*2:]
	}
	if len(n.closes) < n.slowPeriod {
		return nil
	}

	fastSeries := talib.Sma(n.closes, n.fastPeriod)
	slowSeries := talib.Sma(n.closes, n.slowPeriod)
	fast := fastSeries[len(fastSeries)-1]
	slow := slowSeries[len(slowSeries)-1]

	defer func() {
		n.prevFast, n.prevSlow = fast, slow
		n.primed = true
	}()

	if !n.primed {
		return nil
	}

	goldenCross := n.prevFast <= n.prevSlow && fast > slow
	deathCross := n.prevFast >= n.prevSlow && fast < slow

	switch {
	case goldenCross && !n.holding:
		qty := n.investment.Div(close).Round(n.basePrecision)
		if qty.Sign() <= 0 {
			return nil
		}
		order, err := n.marketOrder(ctx, exchange.Buy, qty)
		if err != nil {
			logger.Warnf("momentum %d: buy %s %s failed: %v", n.id, qty, n.pair.BaseAsset, err)
			return nil
		}
		n.holding = true
		logger.Infof("momentum %d: golden cross, bought %s %s at %s", n.id, order.ExecutedQty, n.pair.BaseAsset, order.AvgPrice)

	case deathCross && n.holding:
		balance, err := n.gw.Balance(ctx, n.pair.BaseAsset)
		if err != nil {
			logger.Warnf("momentum %d: balance: %v", n.id, err)
			return nil
		}
		qty := balance.Free.RoundDown(n.basePrecision)
		if qty.Sign() <= 0 {
			n.holding = false
			return nil
		}
		order, err := n.marketOrder(ctx, exchange.Sell, qty)
		if err != nil {
			logger.Warnf("momentum %d: sell %s %s failed: %v", n.id, qty, n.pair.BaseAsset, err)
			return nil
		}
		n.holding = false
		logger.Infof("momentum %d: death cross, sold %s %s at %s", n.id, order.ExecutedQty, n.pair.BaseAsset, order.AvgPrice)
	}
	return nil
}

func (n *Momentum) marketOrder(ctx context.Context, side exchange.OrderSide, qty decimal.Decimal) (exchange.Order, error) {
	return n.gw.SubmitOrder(ctx, exchange.OrderIntent{
		Token:      uuid.NewString(),
		BaseAsset:  n.pair.BaseAsset,
		QuoteAsset: n.pair.QuoteAsset,
		Side:       side,
		Type:       exchange.Market,
		Quantity:   qty,
	})
}
