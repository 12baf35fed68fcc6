package exchange

import (
	"context"
	"sync"

	"quantflow/internal/types"
)

// Gateway is the capability set over one venue session. One gateway instance
// owns its venue connection per (workflow, exchange) pair; submissions pass
// through its internal serialization.
type Gateway interface {
	Exchange() types.Exchange
	Symbol(baseAsset, quoteAsset string) types.Symbol

	Account(ctx context.Context) (AccountInformation, error)
	SymbolInfo(ctx context.Context, baseAsset, quoteAsset string) (SymbolInformation, error)
	Balance(ctx context.Context, asset string) (Balance, error)
	Balances(ctx context.Context) ([]Balance, error)
	Price(ctx context.Context, baseAsset, quoteAsset string) (SymbolPrice, error)

	OpenOrders(ctx context.Context) ([]Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// SubmitOrder executes an intent. Implementations behind Idempotent are
	// free to assume each token reaches them at most once.
	SubmitOrder(ctx context.Context, intent OrderIntent) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Fills delivers realized executions in order. Closed on shutdown.
	Fills() <-chan Fill
}

type submitResult struct {
	done  chan struct{}
	order Order
	err   error
}

// idempotentGateway deduplicates SubmitOrder on the intent token: the first
// submission runs, concurrent and later submissions of the same token wait for
// and return the first result, including terminal rejections.
type idempotentGateway struct {
	Gateway

	mu      sync.Mutex
	results map[string]*submitResult
}

// Idempotent wraps a gateway with token deduplication. Safe for concurrent use.
func Idempotent(inner Gateway) Gateway {
	if _, ok := inner.(*idempotentGateway); ok {
		return inner
	}
	return &idempotentGateway{
		Gateway: inner,
		results: make(map[string]*submitResult),
	}
}

func (g *idempotentGateway) SubmitOrder(ctx context.Context, intent OrderIntent) (Order, error) {
	if err := intent.Validate(); err != nil {
		return Order{}, err
	}

	g.mu.Lock()
	if res, ok := g.results[intent.Token]; ok {
		g.mu.Unlock()
		select {
		case <-res.done:
			return res.order, res.err
		case <-ctx.Done():
			return Order{}, ctx.Err()
		}
	}
	res := &submitResult{done: make(chan struct{})}
	g.results[intent.Token] = res
	g.mu.Unlock()

	res.order, res.err = g.Gateway.SubmitOrder(ctx, intent)
	if res.err != nil && IsTransient(res.err) {
		// transient failure: the intent may be resubmitted fresh
		g.mu.Lock()
		delete(g.results, intent.Token)
		g.mu.Unlock()
	}
	close(res.done)
	return res.order, res.err
}
