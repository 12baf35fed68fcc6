// Package sim implements the Gateway contract against replayed market data.
// Fills are deterministic: market orders execute at the close of the bar that
// is current when the intent arrives, limit orders rest and execute at their
// limit price when a later bar's range touches it.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantflow/internal/exchange"
	"quantflow/internal/market"
	"quantflow/internal/types"
)

type restingOrder struct {
	order  exchange.Order
	intent exchange.OrderIntent
}

// Simulator is an in-memory spot venue. It consumes the replayed candle
// stream through OnCandle and keeps free/locked balances per asset with exact
// arithmetic; total = locked + free holds after every operation.
type Simulator struct {
	makerRate decimal.Decimal
	takerRate decimal.Decimal
	precision int32

	mu         sync.Mutex
	assets     map[string]*exchange.Balance
	prices     map[types.Symbol]decimal.Decimal
	lastBarMs  int64
	nextID     uint64
	open      []*restingOrder
	history   map[string]exchange.Order

	// fillMu serializes fill delivery against Close; a fill must never be
	// sent on a closed stream.
	fillMu     sync.Mutex
	fillClosed bool
	fills      chan exchange.Fill
}

type Config struct {
	// Assets seeds the account, e.g. {"USDT": 10000}.
	Assets map[string]decimal.Decimal
	// MakerRate / TakerRate are commission fractions, e.g. 0.001.
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
	// Precision used for quantity/price rounding. Defaults to 8.
	Precision int32
	// FillBuffer bounds the fill stream. Defaults to 64.
	FillBuffer int
}

func New(cfg Config) *Simulator {
	precision := cfg.Precision
	if precision <= 0 {
		precision = 8
	}
	buffer := cfg.FillBuffer
	if buffer <= 0 {
		buffer = 64
	}
	s := &Simulator{
		makerRate: cfg.MakerRate,
		takerRate: cfg.TakerRate,
		precision: precision,
		assets:    make(map[string]*exchange.Balance),
		prices:    make(map[types.Symbol]decimal.Decimal),
		history:   make(map[string]exchange.Order),
		fills:     make(chan exchange.Fill, buffer),
	}
	for asset, amount := range cfg.Assets {
		s.assets[asset] = &exchange.Balance{Asset: asset, Free: amount}
	}
	return s
}

func (s *Simulator) Exchange() types.Exchange { return types.BacktestExchange }

func (s *Simulator) Symbol(baseAsset, quoteAsset string) types.Symbol {
	return types.SpotSymbol(baseAsset, quoteAsset)
}

func (s *Simulator) Account(ctx context.Context) (exchange.AccountInformation, error) {
	return exchange.AccountInformation{
		MakerCommissionRate: s.makerRate,
		TakerCommissionRate: s.takerRate,
		CanTrade:            true,
	}, nil
}

func (s *Simulator) SymbolInfo(ctx context.Context, baseAsset, quoteAsset string) (exchange.SymbolInformation, error) {
	return exchange.SymbolInformation{
		Symbol:              s.Symbol(baseAsset, quoteAsset),
		BaseAsset:           baseAsset,
		QuoteAsset:          quoteAsset,
		BaseAssetPrecision:  s.precision,
		QuoteAssetPrecision: s.precision,
	}, nil
}

func (s *Simulator) Balance(ctx context.Context, asset string) (exchange.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.assets[asset]; ok {
		return *b, nil
	}
	return exchange.Balance{Asset: asset}, nil
}

func (s *Simulator) Balances(ctx context.Context) ([]exchange.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Balance, 0, len(s.assets))
	for _, b := range s.assets {
		out = append(out, *b)
	}
	return out, nil
}

func (s *Simulator) Price(ctx context.Context, baseAsset, quoteAsset string) (exchange.SymbolPrice, error) {
	symbol := s.Symbol(baseAsset, quoteAsset)
	s.mu.Lock()
	defer s.mu.Unlock()
	return exchange.SymbolPrice{Symbol: symbol, Price: s.prices[symbol]}, nil
}

func (s *Simulator) OpenOrders(ctx context.Context) ([]exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Order, 0, len(s.open))
	for _, r := range s.open {
		out = append(out, r.order)
	}
	return out, nil
}

func (s *Simulator) GetOrder(ctx context.Context, orderID string) (exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.history[orderID]; ok {
		return o, nil
	}
	return exchange.Order{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
}

func (s *Simulator) Fills() <-chan exchange.Fill { return s.fills }

// Close ends the fill stream once all pending fills are delivered. Later
// submissions are rejected.
func (s *Simulator) Close() {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if !s.fillClosed {
		s.fillClosed = true
		close(s.fills)
	}
}

func (s *Simulator) isClosed() bool {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return s.fillClosed
}

func (s *Simulator) SubmitOrder(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	if err := intent.Validate(); err != nil {
		return exchange.Order{}, err
	}
	if s.isClosed() {
		return exchange.Order{}, exchange.Reject(intent.Token, "venue session closed")
	}
	symbol := intent.Symbol()

	s.mu.Lock()

	switch intent.Type {
	case exchange.Market:
		price, ok := s.prices[symbol]
		if !ok || price.Sign() <= 0 {
			s.mu.Unlock()
			return exchange.Order{}, exchange.Reject(intent.Token, "no market price for %s", symbol)
		}
		order, fill, err := s.executeLocked(intent, price, s.takerRate)
		s.mu.Unlock()
		if err != nil {
			return exchange.Order{}, err
		}
		s.emit(fill)
		return order, nil
	case exchange.Limit:
		order := s.newOrderLocked(intent, intent.Price)
		order.Status = exchange.StatusNew
		if err := s.lockFundsLocked(intent); err != nil {
			s.mu.Unlock()
			return exchange.Order{}, err
		}
		s.open = append(s.open, &restingOrder{order: order, intent: intent})
		s.history[order.OrderID] = order
		s.mu.Unlock()
		return order, nil
	default:
		s.mu.Unlock()
		return exchange.Order{}, exchange.Reject(intent.Token, "unsupported order type %q", intent.Type)
	}
}

// emit delivers fills outside the balance lock so a slow consumer only
// backpressures the caller, never deadlocks balance queries. Fills produced
// in the window between the closed check and Close are dropped silently; the
// consumer is already gone.
func (s *Simulator) emit(fills ...exchange.Fill) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if s.fillClosed {
		return
	}
	for _, f := range fills {
		s.fills <- f
	}
}

func (s *Simulator) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.open {
		if r.order.OrderID != orderID {
			continue
		}
		s.unlockFundsLocked(r.intent)
		r.order.Status = exchange.StatusCanceled
		r.order.UpdateTime = s.nowLocked().UnixMilli()
		s.history[orderID] = r.order
		s.open = append(s.open[:i], s.open[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
}

// OnCandle advances market time: it refreshes the symbol price from the close
// and fills any resting limit order whose limit lies inside the bar's range.
func (s *Simulator) OnCandle(c market.Candle) error {
	s.mu.Lock()

	s.prices[c.Symbol] = c.Close
	s.lastBarMs = c.OpenTime

	var emitted []exchange.Fill
	remaining := s.open[:0]
	for _, r := range s.open {
		if r.order.Symbol != c.Symbol || !limitTouched(r.intent, c) {
			remaining = append(remaining, r)
			continue
		}
		s.unlockFundsLocked(r.intent)
		_, fill, err := s.executeLocked(r.intent, r.intent.Price, s.makerRate)
		if err != nil {
			s.open = remaining
			s.mu.Unlock()
			return fmt.Errorf("sim: filling resting order %s: %w", r.order.OrderID, err)
		}
		emitted = append(emitted, fill)
	}
	s.open = remaining
	s.mu.Unlock()

	s.emit(emitted...)
	return nil
}

func limitTouched(intent exchange.OrderIntent, c market.Candle) bool {
	switch intent.Side {
	case exchange.Buy:
		return c.Low.LessThanOrEqual(intent.Price)
	case exchange.Sell:
		return c.High.GreaterThanOrEqual(intent.Price)
	}
	return false
}

func (s *Simulator) nowLocked() time.Time {
	if s.lastBarMs > 0 {
		return time.UnixMilli(s.lastBarMs)
	}
	return time.Now()
}

func (s *Simulator) newOrderLocked(intent exchange.OrderIntent, price decimal.Decimal) exchange.Order {
	s.nextID++
	now := s.nowLocked().UnixMilli()
	return exchange.Order{
		Exchange:      types.BacktestExchange,
		Symbol:        intent.Symbol(),
		BaseAsset:     intent.BaseAsset,
		QuoteAsset:    intent.QuoteAsset,
		OrderID:       strconv.FormatUint(s.nextID, 10),
		ClientOrderID: intent.Token,
		Price:         price,
		OrigQty:       intent.Quantity,
		Type:          intent.Type,
		Side:          intent.Side,
		Time:          now,
		UpdateTime:    now,
	}
}

func (s *Simulator) balanceLocked(asset string) *exchange.Balance {
	b, ok := s.assets[asset]
	if !ok {
		b = &exchange.Balance{Asset: asset}
		s.assets[asset] = b
	}
	return b
}

func (s *Simulator) lockFundsLocked(intent exchange.OrderIntent) error {
	switch intent.Side {
	case exchange.Buy:
		cost := intent.Quantity.Mul(intent.Price)
		quote := s.balanceLocked(intent.QuoteAsset)
		if quote.Free.LessThan(cost) {
			return exchange.Reject(intent.Token, "insufficient %s balance: need %s, free %s", intent.QuoteAsset, cost, quote.Free)
		}
		quote.Free = quote.Free.Sub(cost)
		quote.Locked = quote.Locked.Add(cost)
	case exchange.Sell:
		base := s.balanceLocked(intent.BaseAsset)
		if base.Free.LessThan(intent.Quantity) {
			return exchange.Reject(intent.Token, "insufficient %s balance: need %s, free %s", intent.BaseAsset, intent.Quantity, base.Free)
		}
		base.Free = base.Free.Sub(intent.Quantity)
		base.Locked = base.Locked.Add(intent.Quantity)
	}
	return nil
}

func (s *Simulator) unlockFundsLocked(intent exchange.OrderIntent) {
	switch intent.Side {
	case exchange.Buy:
		cost := intent.Quantity.Mul(intent.Price)
		quote := s.balanceLocked(intent.QuoteAsset)
		quote.Locked = quote.Locked.Sub(cost)
		quote.Free = quote.Free.Add(cost)
	case exchange.Sell:
		base := s.balanceLocked(intent.BaseAsset)
		base.Locked = base.Locked.Sub(intent.Quantity)
		base.Free = base.Free.Add(intent.Quantity)
	}
}

// executeLocked settles an intent at price, moving balances net of
// commission. Caller holds s.mu and delivers the returned fill after
// releasing it.
func (s *Simulator) executeLocked(intent exchange.OrderIntent, price decimal.Decimal, rate decimal.Decimal) (exchange.Order, exchange.Fill, error) {
	qty := intent.Quantity
	quoteQty := qty.Mul(price)
	base := s.balanceLocked(intent.BaseAsset)
	quote := s.balanceLocked(intent.QuoteAsset)

	var commission decimal.Decimal
	switch intent.Side {
	case exchange.Buy:
		if quote.Free.LessThan(quoteQty) {
			return exchange.Order{}, exchange.Fill{}, exchange.Reject(intent.Token, "insufficient %s balance: need %s, free %s", intent.QuoteAsset, quoteQty, quote.Free)
		}
		commission = qty.Mul(rate)
		quote.Free = quote.Free.Sub(quoteQty)
		base.Free = base.Free.Add(qty.Sub(commission))
	case exchange.Sell:
		if base.Free.LessThan(qty) {
			return exchange.Order{}, exchange.Fill{}, exchange.Reject(intent.Token, "insufficient %s balance: need %s, free %s", intent.BaseAsset, qty, base.Free)
		}
		commission = quoteQty.Mul(rate)
		base.Free = base.Free.Sub(qty)
		quote.Free = quote.Free.Add(quoteQty.Sub(commission))
	}

	order := s.newOrderLocked(intent, price)
	order.AvgPrice = price
	order.ExecutedQty = qty
	order.CumulativeQuoteQty = quoteQty
	order.Status = exchange.StatusFilled
	s.history[order.OrderID] = order

	fill := exchange.Fill{
		OrderID:    order.OrderID,
		Token:      intent.Token,
		Exchange:   types.BacktestExchange,
		Symbol:     order.Symbol,
		BaseAsset:  intent.BaseAsset,
		QuoteAsset: intent.QuoteAsset,
		Side:       intent.Side,
		Price:      price,
		Quantity:   qty,
		QuoteQty:   quoteQty,
		Commission: commission,
		Timestamp:  s.nowLocked(),
	}
	return order, fill, nil
}
