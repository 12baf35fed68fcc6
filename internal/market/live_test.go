package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantflow/internal/bus"
	"quantflow/internal/types"
)

func recvCandle(t *testing.T, stream <-chan Candle) Candle {
	t.Helper()
	select {
	case c, ok := <-stream:
		require.True(t, ok, "stream closed early")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for candle")
		return Candle{}
	}
}

func assertNoCandle(t *testing.T, stream <-chan Candle) {
	t.Helper()
	select {
	case c := <-stream:
		t.Fatalf("unexpected candle at open_time %d", c.OpenTime)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLiveSourceEmitsOnlyClosedBars(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	series := testSeries()

	src, err := NewLiveSource(b, series, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := src.Stream(ctx)
	require.NoError(t, err)

	// two updates of the same open bar, then the next bar opens
	b.Publish(bus.KlineChangeTopic, storedCandle(series, 60000, "100"))
	b.Publish(bus.KlineChangeTopic, storedCandle(series, 60000, "101"))
	assertNoCandle(t, stream)

	b.Publish(bus.KlineChangeTopic, storedCandle(series, 120000, "102"))

	first := recvCandle(t, stream)
	assert.Equal(t, int64(60000), first.OpenTime)
	assert.True(t, first.Close.Equal(storedCandle(series, 60000, "101").Close), "last update wins")

	// the 120000 bar is still open
	assertNoCandle(t, stream)
}

func TestLiveSourceDropsStaleNotifications(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	series := testSeries()

	src, err := NewLiveSource(b, series, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := src.Stream(ctx)
	require.NoError(t, err)

	b.Publish(bus.KlineChangeTopic, storedCandle(series, 120000, "100"))
	b.Publish(bus.KlineChangeTopic, storedCandle(series, 60000, "99")) // stale
	b.Publish(bus.KlineChangeTopic, storedCandle(series, 180000, "101"))

	first := recvCandle(t, stream)
	assert.Equal(t, int64(120000), first.OpenTime)
	assertNoCandle(t, stream)
}

func TestLiveSourceFiltersOtherSeries(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	series := testSeries()

	src, err := NewLiveSource(b, series, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := src.Stream(ctx)
	require.NoError(t, err)

	other := series
	other.Symbol = types.SpotSymbol("ETH", "USDT")
	b.Publish(bus.KlineChangeTopic, storedCandle(other, 60000, "100"))
	b.Publish(bus.KlineChangeTopic, storedCandle(other, 120000, "101"))
	assertNoCandle(t, stream)

	b.Publish(bus.KlineChangeTopic, storedCandle(series, 60000, "50"))
	b.Publish(bus.KlineChangeTopic, storedCandle(series, 120000, "51"))
	first := recvCandle(t, stream)
	assert.Equal(t, series.Symbol, first.Symbol)
	assert.Equal(t, int64(60000), first.OpenTime)
}

func TestLiveSourceClosesOnCancel(t *testing.T) {
	b := bus.New(16)
	defer b.Close()

	src, err := NewLiveSource(b, testSeries(), 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := src.Stream(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
	require.ErrorIs(t, src.Err(), context.Canceled)
}

func TestPacingDelay(t *testing.T) {
	ctx := context.Background()

	// full speed never waits
	assert.True(t, PacingFullSpeed().delay(ctx, 60000, 120000))

	// first candle has no predecessor to pace against
	assert.True(t, PacingScaled(60).delay(ctx, 0, 60000))

	// one minute of bar time at speed 60000 is one wall millisecond
	start := time.Now()
	assert.True(t, PacingScaled(60000).delay(ctx, 60000, 120000))
	assert.Less(t, time.Since(start), time.Second)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, PacingScaled(1).delay(cancelled, 60000, 120000))
}
