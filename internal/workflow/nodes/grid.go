package nodes

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// priceTolerance bounds how far past a grid line a price may move and still
// trigger that line's trade.
var priceTolerance = decimal.NewFromFloat(0.005)

type gridMode string

const (
	gridArithmetic gridMode = "arithmetic"
	gridGeometric  gridMode = "geometric"
)

func parseGridMode(s string) (gridMode, error) {
	switch gridMode(s) {
	case gridArithmetic, gridGeometric:
		return gridMode(s), nil
	default:
		return "", fmt.Errorf("invalid grid mode %q", s)
	}
}

type gridSignal int

const (
	signalNone gridSignal = iota
	signalBuy
	signalSell
	signalStopLoss
	signalTakeProfit
)

// calcGridPrices returns rows+1 grid lines between lower and upper, rounded
// to the quote asset precision. Arithmetic mode spaces them by a constant
// difference, geometric mode by a constant ratio.
func calcGridPrices(mode gridMode, lower, upper decimal.Decimal, rows int64, quotePrecision int32) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, rows+1)
	switch mode {
	case gridGeometric:
		ratio, _ := upper.Div(lower).Float64()
		step := decimal.NewFromFloat(math.Pow(ratio, 1/float64(rows)))
		for i := int64(0); i <= rows; i++ {
			price := lower.Mul(step.Pow(decimal.NewFromInt(i)))
			prices = append(prices, price.Round(quotePrecision))
		}
	default:
		step := upper.Sub(lower).Div(decimal.NewFromInt(rows))
		for i := int64(0); i <= rows; i++ {
			price := lower.Add(step.Mul(decimal.NewFromInt(i)))
			prices = append(prices, price.Round(quotePrecision))
		}
	}
	return prices
}

// gridRow is one tradable band. A row buys at its lower line and sells at its
// upper line; sellQty discounts the buy fill's commission so the sell never
// exceeds what the buy actually delivered.
type gridRow struct {
	buyPrice  decimal.Decimal
	buyQty    decimal.Decimal
	sellPrice decimal.Decimal
	sellQty   decimal.Decimal
	bought    bool
	sold      bool
}

// grid is the strategy state machine. It is driven by a single goroutine, so
// plain fields suffice.
//
// starting gates the whole machine, running flips once the trigger price is
// hit, locked suppresses new signals while an order is in flight.
type grid struct {
	rows          []gridRow
	cursor        int
	prevSellPrice decimal.Decimal
	starting      bool
	running       bool
	locked        bool

	trigger       decimal.Decimal
	hasTrigger    bool
	stopLoss      decimal.Decimal
	hasStopLoss   bool
	takeProfit    decimal.Decimal
	hasTakeProfit bool
}

func newGrid(investment decimal.Decimal, prices []decimal.Decimal, currentPrice decimal.Decimal,
	basePrecision, quotePrecision int32, commissionRate decimal.Decimal) *grid {

	one := decimal.NewFromInt(1)
	perRow := investment.Div(decimal.NewFromInt(int64(len(prices)) - 1)).Round(quotePrecision)

	rows := make([]gridRow, 0, len(prices)-1)
	for i := 0; i < len(prices)-1; i++ {
		buyQty := perRow.Div(prices[i]).Round(basePrecision)
		sellQty := buyQty.Mul(one.Sub(commissionRate)).Round(basePrecision)
		rows = append(rows, gridRow{
			buyPrice:  prices[i],
			buyQty:    buyQty,
			sellPrice: prices[i+1],
			sellQty:   sellQty,
		})
	}

	cursor := 0
	for i, row := range rows {
		if row.buyPrice.LessThanOrEqual(currentPrice) && row.sellPrice.GreaterThanOrEqual(currentPrice) {
			cursor = i
			break
		}
	}

	return &grid{rows: rows, cursor: cursor}
}

func (g *grid) start() {
	g.starting = true
	g.running = false
	g.locked = false
}

func (g *grid) stop() {
	g.starting = false
	g.running = false
	g.locked = false
}

func (g *grid) lock()   { g.locked = true }
func (g *grid) unlock() { g.locked = false }

func (g *grid) currentRow() *gridRow { return &g.rows[g.cursor] }

func (g *grid) shouldBuy(price decimal.Decimal) bool {
	row := g.currentRow()
	return !row.bought &&
		!g.prevSellPrice.Equal(row.buyPrice) &&
		price.LessThanOrEqual(row.buyPrice) &&
		price.GreaterThan(row.buyPrice.Mul(decimal.NewFromInt(1).Sub(priceTolerance)))
}

func (g *grid) shouldSell(price decimal.Decimal) bool {
	row := g.currentRow()
	return row.bought && !row.sold &&
		price.GreaterThanOrEqual(row.sellPrice) &&
		price.LessThan(row.sellPrice.Mul(decimal.NewFromInt(1).Add(priceTolerance)))
}

// adjustPosition walks the cursor one row when the price has moved beyond
// half the adjacent row's span, so a runaway price tracks the grid instead of
// pinning the machine to a stale band.
func (g *grid) adjustPosition(price decimal.Decimal) {
	row := g.currentRow()
	two := decimal.NewFromInt(2)
	if price.LessThan(row.buyPrice) {
		if g.cursor > 0 {
			lower := g.rows[g.cursor-1]
			step := lower.sellPrice.Sub(lower.buyPrice).Div(two)
			if price.LessThanOrEqual(row.buyPrice.Sub(step)) {
				g.cursor--
			}
		}
	} else if price.GreaterThan(row.sellPrice) {
		if g.cursor < len(g.rows)-1 {
			upper := g.rows[g.cursor+1]
			step := upper.sellPrice.Sub(upper.buyPrice).Div(two)
			if price.GreaterThanOrEqual(row.sellPrice.Add(step)) {
				g.cursor++
			}
		}
	}
}

// evaluate folds one price observation into the machine and returns the next
// action with the quantity to trade. Buy and sell signals lock the grid until
// updateWithOrder or unlock is called; stop signals halt the machine.
func (g *grid) evaluate(price decimal.Decimal) (gridSignal, decimal.Decimal) {
	if !g.starting || g.locked {
		return signalNone, decimal.Decimal{}
	}

	if !g.running {
		if !g.hasTrigger || price.LessThanOrEqual(g.trigger) {
			g.running = true
		}
		return signalNone, decimal.Decimal{}
	}

	if g.shouldBuy(price) {
		g.lock()
		return signalBuy, g.currentRow().buyQty
	}
	if g.shouldSell(price) {
		g.lock()
		return signalSell, g.currentRow().sellQty
	}

	if g.hasStopLoss && price.LessThanOrEqual(g.stopLoss) {
		g.starting = false
		return signalStopLoss, decimal.Decimal{}
	}
	if g.hasTakeProfit && price.GreaterThanOrEqual(g.takeProfit) {
		g.starting = false
		return signalTakeProfit, decimal.Decimal{}
	}

	g.adjustPosition(price)
	return signalNone, decimal.Decimal{}
}

// updateWithOrder commits a completed trade: buys arm the row's sell side,
// sells remember their price so the same line is not instantly rebought.
func (g *grid) updateWithOrder(sig gridSignal) {
	row := g.currentRow()
	switch sig {
	case signalBuy:
		row.bought = true
		row.sold = false
	default:
		if sig == signalSell {
			g.prevSellPrice = row.sellPrice
		}
		row.sold = true
		row.bought = false
	}
	g.unlock()
}
