package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantflow/internal/market"
	"quantflow/internal/stats"
	"quantflow/internal/types"
	"quantflow/internal/workflow"
)

// fakeKlines serves a fixed candle slice as the stored history.
type fakeKlines struct {
	candles []market.Candle
}

func (f *fakeKlines) RangeKlines(ctx context.Context, series market.Series, fromMs, toMs, afterMs int64, limit int) ([]market.Candle, error) {
	var out []market.Candle
	for _, c := range f.candles {
		if c.OpenTime < fromMs || c.OpenTime >= toMs || c.OpenTime <= afterMs {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeKlines) CountKlines(ctx context.Context, series market.Series, fromMs, toMs int64) (int64, error) {
	var n int64
	for _, c := range f.candles {
		if c.OpenTime >= fromMs && c.OpenTime < toMs {
			n++
		}
	}
	return n, nil
}

func historyFromCloses(startMs int64, closes ...string) *fakeKlines {
	f := &fakeKlines{}
	for i, close := range closes {
		price := d(close)
		f.candles = append(f.candles, market.Candle{
			Exchange: types.ExchangeBinance,
			Market:   types.MarketSpot,
			Symbol:   types.SpotSymbol("BTC", "USDT"),
			Interval: types.Interval1m,
			OpenTime: startMs + int64(i)*60000,
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   decimal.NewFromInt(1),
		})
	}
	return f
}

func runBacktest(t *testing.T, deps Deps, definition string) *workflow.Workflow {
	t.Helper()
	def, err := workflow.ParseDefinition([]byte(definition))
	require.NoError(t, err)
	graph, err := workflow.BuildGraph(def, Registry(deps), 8)
	require.NoError(t, err)

	w := workflow.New("wf-test", "pipeline", workflow.ModeBacktest, graph)
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := w.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, status)
	return w
}

const gridPipelineDefinition = `{
  "nodes": [
    {"id": 1, "type": "ticker", "properties": {"type": "data.BacktestSpotTicker", "params": ["BTC", "USDT", "2023-11-14 00:00:00", "2023-11-14 01:00:00", "1m"]}},
    {"id": 2, "type": "client", "properties": {"type": "client.BacktestSpotClient", "params": ["0", [["USDT", 10000]]]}},
    {"id": 3, "type": "grid", "properties": {"type": "strategy.SpotGrid", "params": ["arithmetic", "100", "110", 2, "1000"]}},
    {"id": 4, "type": "stats", "properties": {"type": "stats.SpotStats", "params": []}}
  ],
  "links": [
    [1, 1, 0, 3, 0, "PairInfo"],
    [2, 1, 1, 2, 0, "CandleStream"],
    [3, 2, 0, 3, 1, "SpotClient"],
    [4, 2, 1, 3, 2, "CandleStream"],
    [5, 3, 0, 4, 0, "TradeStream"]
  ]
}`

func TestSpotGridBacktestPipeline(t *testing.T) {
	startMs := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).UnixMilli()
	// seed at 104, buy the 100 line, sell the 105 line
	history := historyFromCloses(startMs, "104", "100", "105")

	spotStats := stats.NewSpotStats(nil)
	deps := Deps{
		Klines:   history,
		Stats:    spotStats,
		Capacity: 8,
	}
	runBacktest(t, deps, gridPipelineDefinition)

	key := stats.Key{WorkflowID: "wf-test", NodeID: 3, Symbol: types.SpotSymbol("BTC", "USDT")}
	data, ok := spotStats.Snapshot(key)
	require.True(t, ok, "grid never initialized its stats shard")

	assert.Equal(t, int64(2), data.TotalTrades)
	assert.Equal(t, int64(1), data.BuyTrades)
	assert.Equal(t, int64(1), data.SellTrades)
	assert.Equal(t, int64(1), data.WinTrades)
	// bought 5 at 100, sold 5 at 105, zero commission
	assert.True(t, data.RealizedPnl.Equal(d("25")), "realized %s", data.RealizedPnl)
	assert.True(t, data.BaseAssetBalance.IsZero(), "base %s", data.BaseAssetBalance)
	assert.True(t, data.QuoteAssetBalance.Equal(d("1025")), "quote %s", data.QuoteAssetBalance)
	assert.True(t, data.InitialQuoteBalance.Equal(d("1000")))
	assert.Equal(t, types.Exchange(types.BacktestExchange), data.Exchange)
}

const momentumPipelineDefinition = `{
  "nodes": [
    {"id": 1, "type": "ticker", "properties": {"type": "data.BacktestSpotTicker", "params": ["BTC", "USDT", "2023-11-14 00:00:00", "2023-11-14 01:00:00", "1m"]}},
    {"id": 2, "type": "client", "properties": {"type": "client.BacktestSpotClient", "params": ["0", [["USDT", 10000]]]}},
    {"id": 3, "type": "momentum", "properties": {"type": "strategy.Momentum", "params": [2, 3, "1000"]}},
    {"id": 4, "type": "stats", "properties": {"type": "stats.SpotStats", "params": []}}
  ],
  "links": [
    [1, 1, 0, 3, 0, "PairInfo"],
    [2, 1, 1, 2, 0, "CandleStream"],
    [3, 2, 0, 3, 1, "SpotClient"],
    [4, 2, 1, 3, 2, "CandleStream"],
    [5, 3, 0, 4, 0, "TradeStream"]
  ]
}`

func TestMomentumBacktestPipeline(t *testing.T) {
	startMs := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).UnixMilli()
	// flat, then a jump up (golden cross), then a slide down (death cross)
	history := historyFromCloses(startMs, "100", "100", "100", "110", "90", "80")

	spotStats := stats.NewSpotStats(nil)
	deps := Deps{
		Klines:   history,
		Stats:    spotStats,
		Capacity: 8,
	}
	runBacktest(t, deps, momentumPipelineDefinition)

	key := stats.Key{WorkflowID: "wf-test", NodeID: 3, Symbol: types.SpotSymbol("BTC", "USDT")}
	data, ok := spotStats.Snapshot(key)
	require.True(t, ok, "momentum never initialized its stats shard")

	assert.Equal(t, int64(2), data.TotalTrades)
	assert.Equal(t, int64(1), data.BuyTrades)
	assert.Equal(t, int64(1), data.SellTrades)
	assert.Equal(t, int64(0), data.WinTrades)
	// bought 1000/110 at 110, liquidated at 80
	assert.True(t, data.BaseAssetBalance.IsZero(), "base %s", data.BaseAssetBalance)
	assert.True(t, data.RealizedPnl.Equal(d("-272.7272727")), "realized %s", data.RealizedPnl)
}
