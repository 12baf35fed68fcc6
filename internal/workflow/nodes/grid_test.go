package nodes

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseGridMode(t *testing.T) {
	mode, err := parseGridMode("arithmetic")
	require.NoError(t, err)
	assert.Equal(t, gridArithmetic, mode)

	mode, err = parseGridMode("geometric")
	require.NoError(t, err)
	assert.Equal(t, gridGeometric, mode)

	_, err = parseGridMode("linear")
	require.Error(t, err)
}

func TestCalcGridPricesArithmetic(t *testing.T) {
	prices := calcGridPrices(gridArithmetic, d("100"), d("110"), 2, 2)
	require.Len(t, prices, 3)
	assert.True(t, prices[0].Equal(d("100")))
	assert.True(t, prices[1].Equal(d("105")))
	assert.True(t, prices[2].Equal(d("110")))
}

func TestCalcGridPricesGeometric(t *testing.T) {
	prices := calcGridPrices(gridGeometric, d("100"), d("400"), 2, 2)
	require.Len(t, prices, 3)
	assert.True(t, prices[0].Equal(d("100")))
	assert.True(t, prices[1].Equal(d("200")), "mid %s", prices[1])
	assert.True(t, prices[2].Equal(d("400")))
}

// seededGrid builds a started arithmetic 100-110 grid with two rows and a
// 1000 quote investment.
func seededGrid(currentPrice, commissionRate string) *grid {
	prices := calcGridPrices(gridArithmetic, d("100"), d("110"), 2, 2)
	g := newGrid(d("1000"), prices, d(currentPrice), 8, 2, d(commissionRate))
	g.start()
	return g
}

func TestNewGridRowsAndCursor(t *testing.T) {
	prices := calcGridPrices(gridArithmetic, d("100"), d("110"), 2, 2)
	g := newGrid(d("1000"), prices, d("104"), 8, 2, d("0.2"))

	require.Len(t, g.rows, 2)
	assert.Equal(t, 0, g.cursor, "104 sits in the 100-105 row")

	row := g.rows[0]
	assert.True(t, row.buyPrice.Equal(d("100")))
	assert.True(t, row.sellPrice.Equal(d("105")))
	// 500 per row at 100
	assert.True(t, row.buyQty.Equal(d("5")), "buy qty %s", row.buyQty)
	// sell qty discounts the buy commission
	assert.True(t, row.sellQty.Equal(d("4")), "sell qty %s", row.sellQty)

	g2 := newGrid(d("1000"), prices, d("108"), 8, 2, d("0"))
	assert.Equal(t, 1, g2.cursor)

	// price outside every band falls back to the first row
	g3 := newGrid(d("1000"), prices, d("50"), 8, 2, d("0"))
	assert.Equal(t, 0, g3.cursor)
}

func TestGridArmsBeforeTrading(t *testing.T) {
	g := seededGrid("104", "0")

	// first observation only arms the machine
	sig, _ := g.evaluate(d("100"))
	assert.Equal(t, signalNone, sig)
	assert.True(t, g.running)

	sig, qty := g.evaluate(d("100"))
	assert.Equal(t, signalBuy, sig)
	assert.True(t, qty.Equal(d("5")))
}

func TestGridTriggerDelaysArming(t *testing.T) {
	g := seededGrid("104", "0")
	g.trigger = d("102")
	g.hasTrigger = true

	sig, _ := g.evaluate(d("104"))
	assert.Equal(t, signalNone, sig)
	assert.False(t, g.running, "price above trigger must not arm")

	sig, _ = g.evaluate(d("101"))
	assert.Equal(t, signalNone, sig)
	assert.True(t, g.running)

	sig, _ = g.evaluate(d("100"))
	assert.Equal(t, signalBuy, sig)
}

func TestGridBuyToleranceEdges(t *testing.T) {
	cases := []struct {
		price string
		buy   bool
	}{
		{"100", true},
		{"99.6", true},   // inside the 0.5% band below the line
		{"99.5", false},  // exactly on the band edge
		{"99", false},    // too far below
		{"100.1", false}, // above the line
	}
	for _, tc := range cases {
		g := seededGrid("104", "0")
		g.evaluate(d("104")) // arm
		sig, _ := g.evaluate(d(tc.price))
		if tc.buy {
			assert.Equal(t, signalBuy, sig, "price %s", tc.price)
		} else {
			assert.Equal(t, signalNone, sig, "price %s", tc.price)
		}
	}
}

func TestGridSellToleranceEdges(t *testing.T) {
	cases := []struct {
		price string
		sell  bool
	}{
		{"105", true},
		{"105.52", true},
		{"105.525", false}, // at the band edge
		{"104.9", false},
	}
	for _, tc := range cases {
		g := seededGrid("104", "0")
		g.evaluate(d("104")) // arm
		sig, _ := g.evaluate(d("100"))
		require.Equal(t, signalBuy, sig)
		g.updateWithOrder(signalBuy)

		sig, _ = g.evaluate(d(tc.price))
		if tc.sell {
			assert.Equal(t, signalSell, sig, "price %s", tc.price)
		} else {
			assert.Equal(t, signalNone, sig, "price %s", tc.price)
		}
	}
}

func TestGridLockSuppressesSignals(t *testing.T) {
	g := seededGrid("104", "0")
	g.evaluate(d("104")) // arm

	sig, _ := g.evaluate(d("100"))
	require.Equal(t, signalBuy, sig)
	assert.True(t, g.locked)

	// in-flight order: same price yields nothing
	sig, _ = g.evaluate(d("100"))
	assert.Equal(t, signalNone, sig)

	// a failed order unlocks and the next candle retries
	g.unlock()
	sig, _ = g.evaluate(d("100"))
	assert.Equal(t, signalBuy, sig)
}

func TestGridBuySellCycle(t *testing.T) {
	g := seededGrid("104", "0")
	g.evaluate(d("104")) // arm

	sig, _ := g.evaluate(d("100"))
	require.Equal(t, signalBuy, sig)
	g.updateWithOrder(signalBuy)
	assert.True(t, g.rows[0].bought)
	assert.False(t, g.locked)

	sig, qty := g.evaluate(d("105"))
	require.Equal(t, signalSell, sig)
	assert.True(t, qty.Equal(d("5")))
	g.updateWithOrder(signalSell)
	assert.False(t, g.rows[0].bought)
	assert.True(t, g.rows[0].sold)
	assert.True(t, g.prevSellPrice.Equal(d("105")))

	// the same band can trade again at its buy line
	sig, _ = g.evaluate(d("100"))
	assert.Equal(t, signalBuy, sig)
}

func TestGridSellLineNotInstantlyRebought(t *testing.T) {
	g := seededGrid("104", "0")
	g.evaluate(d("104")) // arm

	sig, _ := g.evaluate(d("100"))
	require.Equal(t, signalBuy, sig)
	g.updateWithOrder(signalBuy)
	sig, _ = g.evaluate(d("105"))
	require.Equal(t, signalSell, sig)
	g.updateWithOrder(signalSell)

	// price runs up past half the next band: cursor follows
	sig, _ = g.evaluate(d("108"))
	assert.Equal(t, signalNone, sig)
	assert.Equal(t, 1, g.cursor)

	// the new row's buy line is the price we just sold at: suppressed
	sig, _ = g.evaluate(d("105"))
	assert.Equal(t, signalNone, sig)
}

func TestGridAdjustsCursorDown(t *testing.T) {
	prices := calcGridPrices(gridArithmetic, d("100"), d("110"), 2, 2)
	g := newGrid(d("1000"), prices, d("108"), 8, 2, d("0"))
	g.start()
	require.Equal(t, 1, g.cursor)
	g.evaluate(d("108")) // arm

	// 102 is below the current buy line minus half the lower band's span
	sig, _ := g.evaluate(d("102"))
	assert.Equal(t, signalNone, sig)
	assert.Equal(t, 0, g.cursor)

	sig, qty := g.evaluate(d("100"))
	assert.Equal(t, signalBuy, sig)
	assert.True(t, qty.Equal(d("5")))
}

func TestGridStopLossHalts(t *testing.T) {
	g := seededGrid("104", "0")
	g.stopLoss = d("95")
	g.hasStopLoss = true
	g.evaluate(d("104")) // arm

	sig, _ := g.evaluate(d("94"))
	assert.Equal(t, signalStopLoss, sig)
	assert.False(t, g.starting)

	sig, _ = g.evaluate(d("100"))
	assert.Equal(t, signalNone, sig, "machine is halted")
}

func TestGridTakeProfitHalts(t *testing.T) {
	g := seededGrid("104", "0")
	g.takeProfit = d("115")
	g.hasTakeProfit = true
	g.evaluate(d("104")) // arm

	sig, _ := g.evaluate(d("116"))
	assert.Equal(t, signalTakeProfit, sig)
	assert.False(t, g.starting)
}
