package binance

import (
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"quantflow/internal/exchange"
	"quantflow/internal/types"
)

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("binance gateway: parsing %s %q: %w", field, value, err)
	}
	return d, nil
}

func convertSide(side binance.SideType) exchange.OrderSide {
	if side == binance.SideTypeBuy {
		return exchange.Buy
	}
	return exchange.Sell
}

func convertStatus(status binance.OrderStatusType) exchange.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return exchange.StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return exchange.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return exchange.StatusRejected
	default:
		return exchange.StatusNew
	}
}

func convertOrder(o *binance.Order) (exchange.Order, error) {
	price, err := parseDecimal("price", o.Price)
	if err != nil {
		return exchange.Order{}, err
	}
	origQty, err := parseDecimal("orig qty", o.OrigQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	executedQty, err := parseDecimal("executed qty", o.ExecutedQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	quoteQty, err := parseDecimal("quote qty", o.CummulativeQuoteQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	avgPrice := price
	if executedQty.Sign() > 0 {
		avgPrice = quoteQty.Div(executedQty)
	}
	orderType := exchange.Limit
	if o.Type == binance.OrderTypeMarket {
		orderType = exchange.Market
	}
	return exchange.Order{
		Exchange:           types.ExchangeBinance,
		Symbol:             types.Symbol(o.Symbol),
		OrderID:            fmt.Sprintf("%d", o.OrderID),
		ClientOrderID:      o.ClientOrderID,
		Price:              price,
		AvgPrice:           avgPrice,
		OrigQty:            origQty,
		ExecutedQty:        executedQty,
		CumulativeQuoteQty: quoteQty,
		Type:               orderType,
		Side:               convertSide(o.Side),
		Status:             convertStatus(o.Status),
		Time:               o.Time,
		UpdateTime:         o.UpdateTime,
	}, nil
}

func convertCreateResponse(intent exchange.OrderIntent, resp *binance.CreateOrderResponse) (exchange.Order, error) {
	price, err := parseDecimal("price", resp.Price)
	if err != nil {
		return exchange.Order{}, err
	}
	origQty, err := parseDecimal("orig qty", resp.OrigQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	executedQty, err := parseDecimal("executed qty", resp.ExecutedQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	quoteQty, err := parseDecimal("quote qty", resp.CummulativeQuoteQuantity)
	if err != nil {
		return exchange.Order{}, err
	}
	avgPrice := price
	if executedQty.Sign() > 0 {
		avgPrice = quoteQty.Div(executedQty)
	}
	return exchange.Order{
		Exchange:           types.ExchangeBinance,
		Symbol:             types.Symbol(resp.Symbol),
		BaseAsset:          intent.BaseAsset,
		QuoteAsset:         intent.QuoteAsset,
		OrderID:            fmt.Sprintf("%d", resp.OrderID),
		ClientOrderID:      resp.ClientOrderID,
		Price:              price,
		AvgPrice:           avgPrice,
		OrigQty:            origQty,
		ExecutedQty:        executedQty,
		CumulativeQuoteQty: quoteQty,
		Type:               intent.Type,
		Side:               intent.Side,
		Status:             convertStatus(resp.Status),
		Time:               resp.TransactTime,
		UpdateTime:         resp.TransactTime,
	}, nil
}

// convertExecutionReport maps a user-data execution report to a Fill. Only
// trade executions carry a fill; other report types are skipped.
func convertExecutionReport(event *binance.WsUserDataEvent) (exchange.Fill, bool) {
	report := event.OrderUpdate
	if report.ExecutionType != "TRADE" {
		return exchange.Fill{}, false
	}
	qty, err := parseDecimal("fill qty", report.LatestVolume)
	if err != nil || qty.Sign() <= 0 {
		return exchange.Fill{}, false
	}
	price, err := parseDecimal("fill price", report.LatestPrice)
	if err != nil {
		return exchange.Fill{}, false
	}
	commission, err := parseDecimal("fill fee", report.FeeCost)
	if err != nil {
		return exchange.Fill{}, false
	}
	return exchange.Fill{
		OrderID:    fmt.Sprintf("%d", report.Id),
		Token:      report.ClientOrderId,
		Exchange:   types.ExchangeBinance,
		Symbol:     types.Symbol(report.Symbol),
		Side:       convertSide(binance.SideType(report.Side)),
		Price:      price,
		Quantity:   qty,
		QuoteQty:   qty.Mul(price),
		Commission: commission,
		Timestamp:  time.UnixMilli(report.TransactionTime),
	}, true
}
