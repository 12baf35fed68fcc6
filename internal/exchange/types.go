// Package exchange defines the uniform capability surface over a tradable
// venue: balance queries, idempotent order submission, cancellation and the
// inbound fill stream. The backtest simulator and the live Binance client both
// implement the same Gateway contract so strategy code is mode-agnostic.
package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantflow/internal/types"
)

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

func (s OrderSide) Valid() bool { return s == Buy || s == Sell }

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// OrderIntent is a strategy's desired trade. Token is the caller-assigned
// idempotency key; an intent is immutable once emitted.
type OrderIntent struct {
	Token      string          // unique per workflow+node
	BaseAsset  string
	QuoteAsset string
	Side       OrderSide
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit orders only
}

func (i OrderIntent) Validate() error {
	if i.Token == "" {
		return fmt.Errorf("order intent missing idempotency token")
	}
	if !i.Side.Valid() {
		return fmt.Errorf("order intent %s: invalid side %q", i.Token, i.Side)
	}
	if i.Quantity.Sign() <= 0 {
		return fmt.Errorf("order intent %s: quantity must be positive", i.Token)
	}
	if i.Type == Limit && i.Price.Sign() <= 0 {
		return fmt.Errorf("order intent %s: limit price must be positive", i.Token)
	}
	return nil
}

func (i OrderIntent) Symbol() types.Symbol {
	return types.SpotSymbol(i.BaseAsset, i.QuoteAsset)
}

// Order is the venue's view of a submitted intent.
type Order struct {
	Exchange           types.Exchange
	Symbol             types.Symbol
	BaseAsset          string
	QuoteAsset         string
	OrderID            string
	ClientOrderID      string // carries the intent token
	Price              decimal.Decimal
	AvgPrice           decimal.Decimal
	OrigQty            decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	Type               OrderType
	Side               OrderSide
	Status             OrderStatus
	Time               int64
	UpdateTime         int64
}

// BaseAssetAmount is the executed base quantity.
func (o Order) BaseAssetAmount() decimal.Decimal { return o.ExecutedQty }

// QuoteAssetAmount is the executed quote value.
func (o Order) QuoteAssetAmount() decimal.Decimal { return o.CumulativeQuoteQty }

// BaseCommission is the fee charged on the received base amount (buys).
func (o Order) BaseCommission(rate decimal.Decimal) decimal.Decimal {
	return o.ExecutedQty.Mul(rate)
}

// QuoteCommission is the fee charged on the quote proceeds (sells).
func (o Order) QuoteCommission(rate decimal.Decimal) decimal.Decimal {
	return o.CumulativeQuoteQty.Mul(rate)
}

// Fill is one realized execution delivered on the gateway's fill stream.
type Fill struct {
	WorkflowID string
	NodeID     int
	OrderID    string
	Token      string
	Exchange   types.Exchange
	Symbol     types.Symbol
	BaseAsset  string
	QuoteAsset string
	Side       OrderSide
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	QuoteQty   decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// Balance tracks one asset. Total is locked + free at all times.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

type AccountInformation struct {
	MakerCommissionRate decimal.Decimal
	TakerCommissionRate decimal.Decimal
	CanTrade            bool
}

type SymbolInformation struct {
	Symbol              types.Symbol
	BaseAsset           string
	QuoteAsset          string
	BaseAssetPrecision  int32
	QuoteAssetPrecision int32
}

type SymbolPrice struct {
	Symbol types.Symbol
	Price  decimal.Decimal
}
