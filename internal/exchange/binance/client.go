// Package binance implements the live Gateway against Binance spot, plus the
// websocket kline feeder and the historical backfill task the market-data
// layer relies on.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"quantflow/internal/exchange"
	"quantflow/internal/logger"
	"quantflow/internal/types"
)

// Client is the live spot gateway. It owns one venue session: submissions are
// serialized internally, transient failures are retried with bounded backoff,
// and venue business rejections surface as terminal RejectionErrors.
type Client struct {
	api    *binance.Client
	retry  exchange.RetryPolicy
	fills  chan exchange.Fill
	symbol types.Symbol // primary trading symbol for order queries

	submitMu  sync.Mutex
	closeOnce sync.Once
	stopC     chan struct{}

	// fillMu serializes fill delivery against Close; an execution report
	// arriving during shutdown must never hit a closed stream.
	fillMu     sync.Mutex
	fillClosed bool
}

type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string // optional override, e.g. testnet
	Symbol     types.Symbol
	Retry      exchange.RetryPolicy
	FillBuffer int
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("binance gateway: api credentials are required")
	}
	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		api.BaseURL = cfg.BaseURL
	}
	buffer := cfg.FillBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		api:    api,
		retry:  cfg.Retry,
		fills:  make(chan exchange.Fill, buffer),
		symbol: cfg.Symbol,
		stopC:  make(chan struct{}),
	}, nil
}

func (c *Client) Exchange() types.Exchange { return types.ExchangeBinance }

func (c *Client) Symbol(baseAsset, quoteAsset string) types.Symbol {
	return types.SpotSymbol(baseAsset, quoteAsset)
}

func (c *Client) Account(ctx context.Context) (exchange.AccountInformation, error) {
	var acct *binance.Account
	err := exchange.Retry(ctx, c.retry, "binance get account", func(ctx context.Context) error {
		var err error
		acct, err = c.api.NewGetAccountService().Do(ctx)
		return classify(err)
	})
	if err != nil {
		return exchange.AccountInformation{}, err
	}
	// venue reports rates in basis points of 1e4
	scale := decimal.New(1, 4)
	return exchange.AccountInformation{
		MakerCommissionRate: decimal.NewFromInt(acct.MakerCommission).Div(scale),
		TakerCommissionRate: decimal.NewFromInt(acct.TakerCommission).Div(scale),
		CanTrade:            acct.CanTrade,
	}, nil
}

func (c *Client) SymbolInfo(ctx context.Context, baseAsset, quoteAsset string) (exchange.SymbolInformation, error) {
	symbol := string(c.Symbol(baseAsset, quoteAsset))
	var info *binance.ExchangeInfo
	err := exchange.Retry(ctx, c.retry, "binance exchange info", func(ctx context.Context) error {
		var err error
		info, err = c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		return classify(err)
	})
	if err != nil {
		return exchange.SymbolInformation{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return exchange.SymbolInformation{
				Symbol:              types.Symbol(s.Symbol),
				BaseAsset:           s.BaseAsset,
				QuoteAsset:          s.QuoteAsset,
				BaseAssetPrecision:  int32(s.BaseAssetPrecision),
				QuoteAssetPrecision: int32(s.QuotePrecision),
			}, nil
		}
	}
	return exchange.SymbolInformation{}, fmt.Errorf("binance gateway: symbol %s not listed", symbol)
}

func (c *Client) Balance(ctx context.Context, asset string) (exchange.Balance, error) {
	balances, err := c.Balances(ctx)
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b, nil
		}
	}
	return exchange.Balance{Asset: asset}, nil
}

func (c *Client) Balances(ctx context.Context) ([]exchange.Balance, error) {
	var acct *binance.Account
	err := exchange.Retry(ctx, c.retry, "binance balances", func(ctx context.Context) error {
		var err error
		acct, err = c.api.NewGetAccountService().Do(ctx)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("binance gateway: parsing free balance %q: %w", b.Free, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("binance gateway: parsing locked balance %q: %w", b.Locked, err)
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (c *Client) Price(ctx context.Context, baseAsset, quoteAsset string) (exchange.SymbolPrice, error) {
	symbol := string(c.Symbol(baseAsset, quoteAsset))
	var prices []*binance.SymbolPrice
	err := exchange.Retry(ctx, c.retry, "binance price", func(ctx context.Context) error {
		var err error
		prices, err = c.api.NewListPricesService().Symbol(symbol).Do(ctx)
		return classify(err)
	})
	if err != nil {
		return exchange.SymbolPrice{}, err
	}
	if len(prices) == 0 {
		return exchange.SymbolPrice{}, fmt.Errorf("binance gateway: no price for %s", symbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return exchange.SymbolPrice{}, fmt.Errorf("binance gateway: parsing price %q: %w", prices[0].Price, err)
	}
	return exchange.SymbolPrice{Symbol: types.Symbol(symbol), Price: price}, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]exchange.Order, error) {
	var raw []*binance.Order
	err := exchange.Retry(ctx, c.retry, "binance open orders", func(ctx context.Context) error {
		var err error
		raw, err = c.api.NewListOpenOrdersService().Symbol(string(c.symbol)).Do(ctx)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0, len(raw))
	for _, o := range raw {
		order, err := convertOrder(o)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (exchange.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("binance gateway: invalid order id %q: %w", orderID, err)
	}
	var raw *binance.Order
	err = exchange.Retry(ctx, c.retry, "binance get order", func(ctx context.Context) error {
		var err error
		raw, err = c.api.NewGetOrderService().Symbol(string(c.symbol)).OrderID(id).Do(ctx)
		return classify(err)
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return convertOrder(raw)
}

func (c *Client) SubmitOrder(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	if err := intent.Validate(); err != nil {
		return exchange.Order{}, err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	svc := c.api.NewCreateOrderService().
		Symbol(string(intent.Symbol())).
		NewClientOrderID(intent.Token).
		Quantity(intent.Quantity.String())
	if intent.Side == exchange.Buy {
		svc = svc.Side(binance.SideTypeBuy)
	} else {
		svc = svc.Side(binance.SideTypeSell)
	}
	if intent.Type == exchange.Market {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(intent.Price.String())
	}

	var resp *binance.CreateOrderResponse
	err := exchange.Retry(ctx, c.retry, "binance submit "+intent.Token, func(ctx context.Context) error {
		var err error
		resp, err = svc.Do(ctx)
		err = classify(err)
		if isDuplicateToken(err) {
			// the earlier attempt went through: recover the accepted order
			existing, lookupErr := c.orderByToken(ctx, intent)
			if lookupErr != nil {
				return lookupErr
			}
			resp = nil
			logger.Infof("binance submit %s: recovered accepted order %s after retry", intent.Token, existing.OrderID)
			return nil
		}
		return err
	})
	if err != nil {
		return exchange.Order{}, err
	}
	if resp == nil {
		return c.orderByToken(ctx, intent)
	}
	return convertCreateResponse(intent, resp)
}

func (c *Client) orderByToken(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	var raw *binance.Order
	err := exchange.Retry(ctx, c.retry, "binance order by token", func(ctx context.Context) error {
		var err error
		raw, err = c.api.NewGetOrderService().
			Symbol(string(intent.Symbol())).
			OrigClientOrderID(intent.Token).
			Do(ctx)
		return classify(err)
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return convertOrder(raw)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance gateway: invalid order id %q: %w", orderID, err)
	}
	return exchange.Retry(ctx, c.retry, "binance cancel "+orderID, func(ctx context.Context) error {
		_, err := c.api.NewCancelOrderService().Symbol(string(c.symbol)).OrderID(id).Do(ctx)
		return classify(err)
	})
}

func (c *Client) Fills() <-chan exchange.Fill { return c.fills }

// Close stops the user-data stream and closes the fill channel. stopC is
// closed before fillMu is taken so an in-flight deliver blocked on a full
// stream wakes up and releases the lock.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopC)
		c.fillMu.Lock()
		c.fillClosed = true
		close(c.fills)
		c.fillMu.Unlock()
	})
}

// deliver forwards one fill unless the stream is shutting down.
func (c *Client) deliver(ctx context.Context, fill exchange.Fill) {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()
	if c.fillClosed {
		return
	}
	select {
	case c.fills <- fill:
	case <-ctx.Done():
	case <-c.stopC:
	}
}

// StartFillStream opens the user-data stream and forwards execution reports
// as fills. Reconnects with the gateway's retry backoff; exhausting the
// budget returns the terminal error.
func (c *Client) StartFillStream(ctx context.Context) error {
	listenKey, err := c.listenKey(ctx)
	if err != nil {
		return err
	}

	go c.keepAlive(ctx, listenKey)

	wsHandler := func(event *binance.WsUserDataEvent) {
		if event.Event != binance.UserDataEventTypeExecutionReport {
			return
		}
		fill, ok := convertExecutionReport(event)
		if !ok {
			return
		}
		c.deliver(ctx, fill)
	}
	errHandler := func(err error) {
		logger.Warnf("binance user stream: %v", err)
	}

	go func() {
		policy := c.retry
		attempt := 0
		for {
			doneC, stopC, err := binance.WsUserDataServe(listenKey, wsHandler, errHandler)
			if err != nil {
				attempt++
				if attempt >= policy.MaxAttempts {
					logger.Errorf("binance user stream: reconnect budget exhausted: %v", err)
					return
				}
				select {
				case <-time.After(time.Duration(attempt) * time.Second):
					continue
				case <-ctx.Done():
					return
				case <-c.stopC:
					return
				}
			}
			attempt = 0
			select {
			case <-ctx.Done():
				close(stopC)
				return
			case <-c.stopC:
				close(stopC)
				return
			case <-doneC:
				// connection dropped: loop reconnects
			}
		}
	}()
	return nil
}

func (c *Client) listenKey(ctx context.Context) (string, error) {
	var key string
	err := exchange.Retry(ctx, c.retry, "binance listen key", func(ctx context.Context) error {
		var err error
		key, err = c.api.NewStartUserStreamService().Do(ctx)
		return classify(err)
	})
	return key, err
}

func (c *Client) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(20 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case <-ticker.C:
			if err := c.api.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				logger.Warnf("binance listen key keepalive: %v", err)
			}
		}
	}
}
