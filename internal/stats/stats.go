// Package stats maintains per-key trading statistics and position balances
// with exact decimal arithmetic. Applying a fill is a pure function of the
// prior state and the fill, so replaying the same ordered trade stream from
// the empty state always reproduces the same result.
package stats

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"quantflow/internal/exchange"
	"quantflow/internal/types"
)

// Key identifies one aggregation shard. Fills for the same key are applied
// strictly in arrival order; different keys proceed concurrently.
type Key struct {
	WorkflowID string
	NodeID     int
	Symbol     types.Symbol
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.WorkflowID, k.NodeID, k.Symbol)
}

// Data is the running aggregate for one key. All monetary fields are exact
// decimals; counters are plain integers.
type Data struct {
	Exchange            types.Exchange
	Symbol              types.Symbol
	BaseAsset           string
	QuoteAsset          string
	InitialBaseBalance  decimal.Decimal
	InitialQuoteBalance decimal.Decimal
	InitialPrice        decimal.Decimal
	MakerCommissionRate decimal.Decimal
	TakerCommissionRate decimal.Decimal
	BaseAssetBalance    decimal.Decimal
	QuoteAssetBalance   decimal.Decimal
	AvgPrice            decimal.Decimal
	TotalTrades         int64
	BuyTrades           int64
	SellTrades          int64
	TotalBaseVolume     decimal.Decimal
	TotalQuoteVolume    decimal.Decimal
	TotalBaseCommission decimal.Decimal
	TotalQuoteCommission decimal.Decimal
	RealizedPnl         decimal.Decimal
	WinTrades           int64
}

// apply folds one fill into the aggregate.
//
// Buys receive the base amount net of commission and move the weighted-average
// cost price; sells realize PnL against the standing average price, which they
// never change. Commission always comes off the realizing side's proceeds
// before PnL is computed.
func (d *Data) apply(fill exchange.Fill) error {
	if fill.Quantity.Sign() <= 0 {
		return fmt.Errorf("stats: fill %s has non-positive quantity", fill.OrderID)
	}

	d.TotalTrades++
	d.TotalBaseVolume = d.TotalBaseVolume.Add(fill.Quantity)
	d.TotalQuoteVolume = d.TotalQuoteVolume.Add(fill.QuoteQty)

	switch fill.Side {
	case exchange.Buy:
		baseAmount := fill.Quantity.Sub(fill.Commission)
		newBalance := d.BaseAssetBalance.Add(baseAmount)
		if newBalance.Sign() > 0 {
			d.AvgPrice = d.BaseAssetBalance.Mul(d.AvgPrice).
				Add(baseAmount.Mul(fill.Price)).
				Div(newBalance)
		}
		d.BuyTrades++
		d.BaseAssetBalance = newBalance
		d.QuoteAssetBalance = d.QuoteAssetBalance.Sub(fill.QuoteQty)
		d.TotalBaseCommission = d.TotalBaseCommission.Add(fill.Commission)
	case exchange.Sell:
		quoteAmount := fill.QuoteQty.Sub(fill.Commission)
		cost := fill.Quantity.Mul(d.AvgPrice)

		d.SellTrades++
		d.BaseAssetBalance = d.BaseAssetBalance.Sub(fill.Quantity)
		d.QuoteAssetBalance = d.QuoteAssetBalance.Add(quoteAmount)
		d.TotalQuoteCommission = d.TotalQuoteCommission.Add(fill.Commission)

		if quoteAmount.GreaterThan(cost) {
			d.WinTrades++
		}
		d.RealizedPnl = d.RealizedPnl.Add(quoteAmount.Sub(cost))
	default:
		return fmt.Errorf("stats: fill %s has invalid side %q", fill.OrderID, fill.Side)
	}
	return nil
}

// UnrealizedPnl values the held base amount at price, net of the fee a
// liquidation would pay, against its average cost.
func (d *Data) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	cost := d.BaseAssetBalance.Mul(d.AvgPrice)
	maybeSell := d.BaseAssetBalance.Mul(price).
		Mul(decimal.NewFromInt(1).Sub(d.MakerCommissionRate))
	return maybeSell.Sub(cost)
}

// Recorder persists aggregate changes. Implementations must make SaveTrade
// idempotent on (workflow id, order id).
type Recorder interface {
	SavePosition(ctx context.Context, key Key, data Data) error
	SaveStats(ctx context.Context, key Key, data Data) error
	SaveTrade(ctx context.Context, key Key, fill exchange.Fill) error
}

type entry struct {
	mu   sync.Mutex
	data Data
}

// SpotStats is the sharded aggregator. One entry per key, guarded by its own
// lock: a single writer per shard, snapshot reads for everyone else.
type SpotStats struct {
	recorder Recorder // optional

	mu      sync.RWMutex
	entries map[Key]*entry
}

func NewSpotStats(recorder Recorder) *SpotStats {
	return &SpotStats{
		recorder: recorder,
		entries:  make(map[Key]*entry),
	}
}

func (s *SpotStats) get(key Key) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	return e
}

// Initialize sets the identity of a key's aggregate.
func (s *SpotStats) Initialize(key Key, ex types.Exchange, baseAsset, quoteAsset string, makerRate, takerRate decimal.Decimal) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data.Exchange = ex
	e.data.Symbol = key.Symbol
	e.data.BaseAsset = baseAsset
	e.data.QuoteAsset = quoteAsset
	e.data.MakerCommissionRate = makerRate
	e.data.TakerCommissionRate = takerRate
}

// InitializeBalance seeds the opening balances and persists the first stats
// row.
func (s *SpotStats) InitializeBalance(ctx context.Context, key Key, initialBase, initialQuote, initialPrice decimal.Decimal) error {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data.InitialBaseBalance = initialBase
	e.data.InitialQuoteBalance = initialQuote
	e.data.InitialPrice = initialPrice
	e.data.BaseAssetBalance = initialBase
	e.data.QuoteAssetBalance = initialQuote
	if s.recorder != nil {
		return s.recorder.SaveStats(ctx, key, e.data)
	}
	return nil
}

// Apply folds a fill into the key's aggregate and persists trade, position
// and stats. Serialized per key by the entry lock.
func (s *SpotStats) Apply(ctx context.Context, key Key, fill exchange.Fill) (Data, error) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.recorder != nil {
		// append-only trade log first: replays dedupe on (workflow, order)
		if err := s.recorder.SaveTrade(ctx, key, fill); err != nil {
			return Data{}, fmt.Errorf("stats %s: recording trade: %w", key, err)
		}
	}
	if err := e.data.apply(fill); err != nil {
		return Data{}, err
	}
	if s.recorder != nil {
		if err := s.recorder.SaveStats(ctx, key, e.data); err != nil {
			return Data{}, fmt.Errorf("stats %s: saving stats: %w", key, err)
		}
		if err := s.recorder.SavePosition(ctx, key, e.data); err != nil {
			return Data{}, fmt.Errorf("stats %s: saving position: %w", key, err)
		}
	}
	return e.data, nil
}

// Snapshot returns a copy of the key's aggregate.
func (s *SpotStats) Snapshot(key Key) (Data, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Data{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, true
}

// Keys lists the keys seen so far.
func (s *SpotStats) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}
