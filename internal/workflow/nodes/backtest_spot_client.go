package nodes

import (
	"context"
	"fmt"

	"quantflow/internal/exchange"
	"quantflow/internal/exchange/sim"
	"quantflow/internal/workflow"
)

// BacktestSpotClient hands a simulated venue to downstream strategies and
// drives its clock: every inbound candle updates the simulator's price and
// matches resting orders before being relayed downstream, so a strategy
// never acts on a bar the venue has not seen yet.
//
// params: [commission_rate, [["USDT", 10000], ...]]
// inputs:  0 CandleStream
// outputs: 0 SpotClient, 1 CandleStream
type BacktestSpotClient struct {
	base
	sim *sim.Simulator
}

func newBacktestSpotClient(def workflow.NodeDef, deps Deps) (*BacktestSpotClient, error) {
	params := def.Properties.Params
	rate, err := params.Decimal(0)
	if err != nil {
		return nil, fmt.Errorf("commission rate: %w", err)
	}
	assets, err := params.Assets(1)
	if err != nil {
		return nil, fmt.Errorf("seed assets: %w", err)
	}

	simulator := sim.New(sim.Config{
		Assets:     assets,
		MakerRate:  rate,
		TakerRate:  rate,
		FillBuffer: deps.Capacity,
	})

	return &BacktestSpotClient{
		base: newBase(def, workflow.KindClient,
			[]workflow.PortSpec{
				{Name: "candles", Type: workflow.PortCandleStream},
			},
			[]workflow.PortSpec{
				{Name: "client", Type: workflow.PortSpotClient},
				{Name: "candles", Type: workflow.PortCandleStream},
			}),
		sim: simulator,
	}, nil
}

func (n *BacktestSpotClient) Run(ctx context.Context, env *workflow.Env) error {
	defer n.sim.Close()

	if err := n.ports.HandoffClient(ctx, 0, exchange.Idempotent(n.sim)); err != nil {
		return err
	}
	in, err := n.ports.Input(0)
	if err != nil {
		return err
	}
	for {
		candle, ok, err := in.RecvCandle(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := env.WaitIfPaused(ctx); err != nil {
			return err
		}
		if err := n.sim.OnCandle(candle); err != nil {
			return err
		}
		if err := n.ports.BroadcastCandle(ctx, 1, candle); err != nil {
			return err
		}
	}
}
