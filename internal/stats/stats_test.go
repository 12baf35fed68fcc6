package stats

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantflow/internal/exchange"
	"quantflow/internal/market"
	"quantflow/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testKey() Key {
	return Key{WorkflowID: "wf-1", NodeID: 3, Symbol: types.SpotSymbol("BTC", "USDT")}
}

func fill(side exchange.OrderSide, orderID, price, qty, commission string) exchange.Fill {
	p := d(price)
	q := d(qty)
	return exchange.Fill{
		WorkflowID: "wf-1",
		NodeID:     3,
		OrderID:    orderID,
		Token:      "tok-" + orderID,
		Exchange:   types.BacktestExchange,
		Symbol:     types.SpotSymbol("BTC", "USDT"),
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Side:       side,
		Price:      p,
		Quantity:   q,
		QuoteQty:   q.Mul(p),
		Commission: d(commission),
	}
}

func newTestStats() *SpotStats {
	s := NewSpotStats(nil)
	s.Initialize(testKey(), types.BacktestExchange, "BTC", "USDT", d("0.001"), d("0.001"))
	return s
}

func TestApplyBuyMovesAveragePrice(t *testing.T) {
	s := newTestStats()
	key := testKey()
	require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))

	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "1", "0"))
	require.NoError(t, err)
	_, err = s.Apply(context.Background(), key, fill(exchange.Buy, "2", "200", "1", "0"))
	require.NoError(t, err)

	data, ok := s.Snapshot(key)
	require.True(t, ok)
	assert.True(t, data.AvgPrice.Equal(d("150")), "avg price %s", data.AvgPrice)
	assert.True(t, data.BaseAssetBalance.Equal(d("2")), "base %s", data.BaseAssetBalance)
	assert.True(t, data.QuoteAssetBalance.Equal(d("700")), "quote %s", data.QuoteAssetBalance)
	assert.Equal(t, int64(2), data.BuyTrades)
	assert.Equal(t, int64(2), data.TotalTrades)
}

func TestApplyBuyCommissionComesOffReceivedBase(t *testing.T) {
	s := newTestStats()
	key := testKey()
	require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))

	// 1 BTC at 100, 0.001 BTC commission: only 0.999 BTC arrives
	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "1", "0.001"))
	require.NoError(t, err)

	data, ok := s.Snapshot(key)
	require.True(t, ok)
	assert.True(t, data.BaseAssetBalance.Equal(d("0.999")), "base %s", data.BaseAssetBalance)
	assert.True(t, data.AvgPrice.Equal(d("100")), "avg price %s", data.AvgPrice)
	assert.True(t, data.QuoteAssetBalance.Equal(d("900")), "quote %s", data.QuoteAssetBalance)
	assert.True(t, data.TotalBaseCommission.Equal(d("0.001")))
}

func TestApplySellRealizesAgainstAveragePrice(t *testing.T) {
	s := newTestStats()
	key := testKey()
	require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))

	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "2", "0"))
	require.NoError(t, err)

	// winning sell: 110 proceeds vs 100 cost
	_, err = s.Apply(context.Background(), key, fill(exchange.Sell, "2", "110", "1", "0"))
	require.NoError(t, err)
	data, _ := s.Snapshot(key)
	assert.True(t, data.RealizedPnl.Equal(d("10")), "realized %s", data.RealizedPnl)
	assert.Equal(t, int64(1), data.WinTrades)
	assert.True(t, data.AvgPrice.Equal(d("100")), "sells must not move avg price")

	// losing sell gives back the gain
	_, err = s.Apply(context.Background(), key, fill(exchange.Sell, "3", "90", "1", "0"))
	require.NoError(t, err)
	data, _ = s.Snapshot(key)
	assert.True(t, data.RealizedPnl.Equal(d("0")), "realized %s", data.RealizedPnl)
	assert.Equal(t, int64(1), data.WinTrades)
	assert.True(t, data.BaseAssetBalance.Equal(d("0")))
}

func TestApplySellCommissionComesOffProceeds(t *testing.T) {
	s := newTestStats()
	key := testKey()
	require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))

	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "1", "0"))
	require.NoError(t, err)
	// 110 quote proceeds, 0.11 USDT commission
	_, err = s.Apply(context.Background(), key, fill(exchange.Sell, "2", "110", "1", "0.11"))
	require.NoError(t, err)

	data, _ := s.Snapshot(key)
	assert.True(t, data.RealizedPnl.Equal(d("9.89")), "realized %s", data.RealizedPnl)
	assert.True(t, data.QuoteAssetBalance.Equal(d("1009.89")), "quote %s", data.QuoteAssetBalance)
	assert.True(t, data.TotalQuoteCommission.Equal(d("0.11")))
}

func TestApplyRejectsBadFills(t *testing.T) {
	var data Data

	err := data.apply(exchange.Fill{OrderID: "1", Side: exchange.Buy, Quantity: decimal.Zero})
	require.Error(t, err)

	err = data.apply(exchange.Fill{OrderID: "2", Side: "short", Quantity: d("1")})
	require.Error(t, err)
}

func TestUnrealizedPnlNetsLiquidationFee(t *testing.T) {
	data := Data{
		MakerCommissionRate: d("0.001"),
		BaseAssetBalance:    d("2"),
		AvgPrice:            d("100"),
	}
	// 2 * 110 * 0.999 - 2 * 100
	assert.True(t, data.UnrealizedPnl(d("110")).Equal(d("19.78")))
}

func TestReplayingFillsIsDeterministic(t *testing.T) {
	fills := []exchange.Fill{
		fill(exchange.Buy, "1", "100", "1.5", "0.0015"),
		fill(exchange.Buy, "2", "102.5", "0.5", "0.0005"),
		fill(exchange.Sell, "3", "108", "1", "0.108"),
		fill(exchange.Buy, "4", "99", "2", "0.002"),
		fill(exchange.Sell, "5", "95", "1.25", "0.11875"),
	}
	key := testKey()

	run := func() Data {
		s := newTestStats()
		require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))
		for _, f := range fills {
			_, err := s.Apply(context.Background(), key, f)
			require.NoError(t, err)
		}
		data, ok := s.Snapshot(key)
		require.True(t, ok)
		return data
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

type recordingRecorder struct {
	calls     []string
	failTrade bool
}

func (r *recordingRecorder) SavePosition(ctx context.Context, key Key, data Data) error {
	r.calls = append(r.calls, "position")
	return nil
}

func (r *recordingRecorder) SaveStats(ctx context.Context, key Key, data Data) error {
	r.calls = append(r.calls, "stats")
	return nil
}

func (r *recordingRecorder) SaveTrade(ctx context.Context, key Key, f exchange.Fill) error {
	r.calls = append(r.calls, "trade")
	if r.failTrade {
		return assert.AnError
	}
	return nil
}

func TestApplyRecordsTradeBeforeAggregates(t *testing.T) {
	rec := &recordingRecorder{}
	s := NewSpotStats(rec)
	key := testKey()
	s.Initialize(key, types.BacktestExchange, "BTC", "USDT", d("0.001"), d("0.001"))
	require.NoError(t, s.InitializeBalance(context.Background(), key, decimal.Zero, d("1000"), d("100")))

	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "1", "0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"stats", "trade", "stats", "position"}, rec.calls)
}

func TestApplyTradeFailureLeavesAggregateUntouched(t *testing.T) {
	rec := &recordingRecorder{failTrade: true}
	s := NewSpotStats(rec)
	key := testKey()
	s.Initialize(key, types.BacktestExchange, "BTC", "USDT", d("0.001"), d("0.001"))

	_, err := s.Apply(context.Background(), key, fill(exchange.Buy, "1", "100", "1", "0"))
	require.Error(t, err)

	data, ok := s.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, int64(0), data.TotalTrades)
	assert.True(t, data.BaseAssetBalance.IsZero())
}

func candleAt(openMs int64, close string) market.Candle {
	return market.Candle{
		Exchange: types.BacktestExchange,
		Market:   types.MarketSpot,
		Symbol:   types.SpotSymbol("BTC", "USDT"),
		Interval: types.Interval1m,
		OpenTime: openMs,
		Close:    d(close),
	}
}

func TestNetValueSeriesTracksDrawdown(t *testing.T) {
	data := Data{
		InitialBaseBalance:  decimal.Zero,
		InitialQuoteBalance: d("1000"),
		InitialPrice:        d("100"),
	}
	positions := []PositionPoint{
		{Timestamp: 1000, BaseAssetBalance: decimal.Zero, QuoteAssetBalance: d("1000")},
		{Timestamp: 3000, BaseAssetBalance: d("5"), QuoteAssetBalance: d("500")},
	}
	candles := []market.Candle{
		candleAt(1000, "100"),
		candleAt(2000, "110"),
		candleAt(3000, "90"),
		candleAt(4000, "120"),
	}

	series := data.NetValueSeries(positions, candles)
	require.Len(t, series, 4)

	assert.True(t, series[0].Value.Equal(d("1000")))
	assert.True(t, series[0].NetValue.Equal(d("1")))
	assert.True(t, series[0].Drawdown.IsZero())

	// position unchanged, all quote: price move does nothing
	assert.True(t, series[1].Value.Equal(d("1000")))

	// 5 BTC * 90 + 500 = 950
	assert.True(t, series[2].Value.Equal(d("950")))
	assert.True(t, series[2].NetValue.Equal(d("0.95")))
	assert.True(t, series[2].Drawdown.Equal(d("0.05")), "drawdown %s", series[2].Drawdown)

	// 5 BTC * 120 + 500 = 1100, new peak
	assert.True(t, series[3].Value.Equal(d("1100")))
	assert.True(t, series[3].Drawdown.IsZero())

	assert.True(t, MaxDrawdown(series).Equal(d("0.05")))
}

func TestNetValueSeriesEmptyInputs(t *testing.T) {
	data := Data{InitialQuoteBalance: d("1000"), InitialPrice: d("100")}
	assert.Nil(t, data.NetValueSeries(nil, []market.Candle{candleAt(1000, "100")}))
	assert.Nil(t, data.NetValueSeries([]PositionPoint{{Timestamp: 1}}, nil))

	// zero initial value cannot be normalized
	zero := Data{}
	assert.Nil(t, zero.NetValueSeries([]PositionPoint{{Timestamp: 1}}, []market.Candle{candleAt(1000, "100")}))
}
