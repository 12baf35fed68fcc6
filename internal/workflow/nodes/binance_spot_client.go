package nodes

import (
	"context"

	"quantflow/internal/exchange"
	"quantflow/internal/exchange/binance"
	"quantflow/internal/types"
	"quantflow/internal/workflow"
)

// BinanceSpotClient hands the live venue gateway to downstream strategies.
// It owns the venue session for the workflow: fills arrive over the user-data
// stream and orders are serialized through the one client.
//
// params: [api_key?, api_secret?] (falls back to configured credentials)
// inputs:  0 PairInfo
// outputs: 0 SpotClient
type BinanceSpotClient struct {
	base
	deps Deps

	apiKey    string
	apiSecret string
}

func newBinanceSpotClient(def workflow.NodeDef, deps Deps) (*BinanceSpotClient, error) {
	params := def.Properties.Params
	apiKey, _ := params.String(0)
	apiSecret, _ := params.String(1)
	if apiKey == "" {
		apiKey = deps.BinanceAPIKey
	}
	if apiSecret == "" {
		apiSecret = deps.BinanceAPISecret
	}

	return &BinanceSpotClient{
		base: newBase(def, workflow.KindClient,
			[]workflow.PortSpec{
				{Name: "pair", Type: workflow.PortPairInfo},
			},
			[]workflow.PortSpec{
				{Name: "client", Type: workflow.PortSpotClient},
			}),
		deps:      deps,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}, nil
}

func (n *BinanceSpotClient) Run(ctx context.Context, env *workflow.Env) error {
	in, err := n.ports.Input(0)
	if err != nil {
		return err
	}
	pair, err := in.RecvPair(ctx)
	if err != nil {
		return err
	}

	client, err := binance.New(binance.Config{
		APIKey:     n.apiKey,
		APISecret:  n.apiSecret,
		Symbol:     types.SpotSymbol(pair.BaseAsset, pair.QuoteAsset),
		Retry:      n.deps.Retry,
		FillBuffer: n.deps.Capacity,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartFillStream(ctx); err != nil {
		return err
	}
	if err := n.ports.HandoffClient(ctx, 0, exchange.Idempotent(client)); err != nil {
		return err
	}

	// the session stays open until the workflow shuts down
	<-ctx.Done()
	return ctx.Err()
}
