// Package nodes implements the platform's closed node set: market tickers,
// exchange clients, trading strategies and the stats sink. The registry maps
// definition type strings to constructors.
package nodes

import (
	"context"
	"fmt"

	"quantflow/internal/bus"
	"quantflow/internal/exchange"
	"quantflow/internal/exchange/binance"
	"quantflow/internal/market"
	"quantflow/internal/stats"
	"quantflow/internal/workflow"
)

// Deps is everything a node may need beyond its own parameters. One Deps
// value is shared by all nodes of a workflow.
type Deps struct {
	Bus         *bus.Bus
	Klines      market.KlineReader
	KlineWriter binance.KlineWriter
	Stats       *stats.SpotStats

	// EnableBackfill lets backtest tickers download missing history first.
	EnableBackfill bool
	Capacity       int
	Pacing         market.Pacing
	GapPolicy      market.GapPolicy
	Retry          exchange.RetryPolicy

	BinanceAPIKey    string
	BinanceAPISecret string
	FeederMaxRetries int
}

// Registry returns the builder table for the closed node set.
func Registry(deps Deps) map[string]workflow.NodeBuilder {
	return map[string]workflow.NodeBuilder{
		"data.BacktestSpotTicker": func(def workflow.NodeDef) (workflow.Node, error) {
			return newBacktestSpotTicker(def, deps)
		},
		"data.BinanceSpotTicker": func(def workflow.NodeDef) (workflow.Node, error) {
			return newBinanceSpotTicker(def, deps)
		},
		"client.BacktestSpotClient": func(def workflow.NodeDef) (workflow.Node, error) {
			return newBacktestSpotClient(def, deps)
		},
		"client.BinanceSpotClient": func(def workflow.NodeDef) (workflow.Node, error) {
			return newBinanceSpotClient(def, deps)
		},
		"strategy.SpotGrid": func(def workflow.NodeDef) (workflow.Node, error) {
			return newSpotGrid(def, deps)
		},
		"strategy.Momentum": func(def workflow.NodeDef) (workflow.Node, error) {
			return newMomentum(def, deps)
		},
		"stats.SpotStats": func(def workflow.NodeDef) (workflow.Node, error) {
			return newSpotStatsSink(def, deps)
		},
	}
}

// base carries the identity and port set every node shares.
type base struct {
	id    int
	name  string
	kind  workflow.Kind
	ports *workflow.Ports
}

func newBase(def workflow.NodeDef, kind workflow.Kind, in, out []workflow.PortSpec) base {
	name := def.Type
	if name == "" {
		name = def.Properties.Type
	}
	return base{
		id:    def.ID,
		name:  name,
		kind:  kind,
		ports: workflow.NewPorts(in, out),
	}
}

func (b *base) ID() int                { return b.id }
func (b *base) Name() string           { return b.name }
func (b *base) Kind() workflow.Kind    { return b.kind }
func (b *base) Ports() *workflow.Ports { return b.ports }

// forwardFills pumps a gateway's fill stream onto a TradeStream output slot,
// stamping each fill with the owning workflow and node. Returns when the
// gateway closes its stream or ctx ends.
func forwardFills(ctx context.Context, env *workflow.Env, nodeID int, gw exchange.Gateway, ports *workflow.Ports, slot int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill, ok := <-gw.Fills():
			if !ok {
				return nil
			}
			fill.WorkflowID = env.WorkflowID
			fill.NodeID = nodeID
			if err := ports.BroadcastFill(ctx, slot, fill); err != nil {
				return fmt.Errorf("forwarding fill %s: %w", fill.OrderID, err)
			}
		}
	}
}
