package nodes

import (
	"context"
	"fmt"

	"quantflow/internal/stats"
	"quantflow/internal/workflow"
)

// SpotStatsSink terminates a trade stream: every fill is folded into the
// shared stats aggregator under the emitting node's key. A persistence
// failure fails the node; dropping a fill would silently corrupt the
// aggregates.
//
// inputs: 0 TradeStream
type SpotStatsSink struct {
	base
	deps Deps
}

func newSpotStatsSink(def workflow.NodeDef, deps Deps) (*SpotStatsSink, error) {
	return &SpotStatsSink{
		base: newBase(def, workflow.KindStats,
			[]workflow.PortSpec{
				{Name: "trades", Type: workflow.PortTradeStream},
			},
			nil),
		deps: deps,
	}, nil
}

func (n *SpotStatsSink) Run(ctx context.Context, env *workflow.Env) error {
	in, err := n.ports.Input(0)
	if err != nil {
		return err
	}
	for {
		fill, ok, err := in.RecvFill(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := env.WaitIfPaused(ctx); err != nil {
			return err
		}
		key := stats.Key{
			WorkflowID: fill.WorkflowID,
			NodeID:     fill.NodeID,
			Symbol:     fill.Symbol,
		}
		if _, err := n.deps.Stats.Apply(ctx, key, fill); err != nil {
			return fmt.Errorf("stats sink %d: %w", n.id, err)
		}
	}
}
