package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubNode lets tests declare arbitrary port shapes and behavior.
type stubNode struct {
	id    int
	kind  Kind
	ports *Ports
	run   func(ctx context.Context, env *Env, n *stubNode) error
}

func (n *stubNode) ID() int       { return n.id }
func (n *stubNode) Name() string  { return fmt.Sprintf("stub-%d", n.id) }
func (n *stubNode) Kind() Kind    { return n.kind }
func (n *stubNode) Ports() *Ports { return n.ports }

func (n *stubNode) Run(ctx context.Context, env *Env) error {
	if n.run == nil {
		return nil
	}
	return n.run(ctx, env, n)
}

func stubRegistry() map[string]NodeBuilder {
	return map[string]NodeBuilder{
		"stub.Source": func(def NodeDef) (Node, error) {
			return &stubNode{
				id:    def.ID,
				kind:  KindSource,
				ports: NewPorts(nil, []PortSpec{{Name: "candles", Type: PortCandleStream}}),
			}, nil
		},
		"stub.Relay": func(def NodeDef) (Node, error) {
			return &stubNode{
				id:   def.ID,
				kind: KindClient,
				ports: NewPorts(
					[]PortSpec{{Name: "in", Type: PortCandleStream}},
					[]PortSpec{{Name: "out", Type: PortCandleStream}},
				),
			}, nil
		},
		"stub.Sink": func(def NodeDef) (Node, error) {
			return &stubNode{
				id:    def.ID,
				kind:  KindStats,
				ports: NewPorts([]PortSpec{{Name: "candles", Type: PortCandleStream}}, nil),
			}, nil
		},
		"stub.Broken": func(def NodeDef) (Node, error) {
			return nil, fmt.Errorf("bad params")
		},
	}
}

func node(id int, typ string) NodeDef {
	return NodeDef{ID: id, Properties: Properties{Type: typ}}
}

func link(id, origin, originSlot, target, targetSlot int, typ string) LinkDef {
	return LinkDef{ID: id, Origin: origin, OriginSlot: originSlot, Target: target, TargetSlot: targetSlot, Type: typ}
}

func TestBuildGraphOrdersTopologically(t *testing.T) {
	def := &Definition{
		Nodes: []NodeDef{
			node(3, "stub.Sink"),
			node(1, "stub.Source"),
			node(2, "stub.Relay"),
		},
		Links: []LinkDef{
			link(1, 1, 0, 2, 0, "CandleStream"),
			link(2, 2, 0, 3, 0, "CandleStream"),
		},
	}
	graph, err := BuildGraph(def, stubRegistry(), 8)
	require.NoError(t, err)

	order := graph.Nodes()
	require.Len(t, order, 3)
	assert.Equal(t, 1, order[0].ID())
	assert.Equal(t, 2, order[1].ID())
	assert.Equal(t, 3, order[2].ID())

	n, ok := graph.Node(2)
	require.True(t, ok)
	assert.Equal(t, KindClient, n.Kind())
	_, ok = graph.Node(9)
	assert.False(t, ok)
}

func TestBuildGraphFanOut(t *testing.T) {
	def := &Definition{
		Nodes: []NodeDef{
			node(1, "stub.Source"),
			node(2, "stub.Sink"),
			node(3, "stub.Sink"),
		},
		Links: []LinkDef{
			link(1, 1, 0, 2, 0, "CandleStream"),
			link(2, 1, 0, 3, 0, "CandleStream"),
		},
	}
	graph, err := BuildGraph(def, stubRegistry(), 8)
	require.NoError(t, err)

	// one broadcast reaches both sinks
	source, _ := graph.Node(1)
	require.NoError(t, source.Ports().BroadcastCandle(context.Background(), 0, testCandle(60000, "100")))
	for _, id := range []int{2, 3} {
		sink, _ := graph.Node(id)
		in, err := sink.Ports().Input(0)
		require.NoError(t, err)
		c, ok, err := in.RecvCandle(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(60000), c.OpenTime)
	}
}

func TestBuildGraphValidation(t *testing.T) {
	cases := []struct {
		name string
		def  *Definition
	}{
		{"no nodes", &Definition{}},
		{"duplicate id", &Definition{Nodes: []NodeDef{node(1, "stub.Source"), node(1, "stub.Sink")}}},
		{"unknown type", &Definition{Nodes: []NodeDef{node(1, "stub.Unknown")}}},
		{"builder failure", &Definition{Nodes: []NodeDef{node(1, "stub.Broken")}}},
		{"dangling origin", &Definition{
			Nodes: []NodeDef{node(1, "stub.Sink")},
			Links: []LinkDef{link(1, 9, 0, 1, 0, "CandleStream")},
		}},
		{"dangling target", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source")},
			Links: []LinkDef{link(1, 1, 0, 9, 0, "CandleStream")},
		}},
		{"unknown link type", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source"), node(2, "stub.Sink")},
			Links: []LinkDef{link(1, 1, 0, 2, 0, "Bogus")},
		}},
		{"type mismatch", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source"), node(2, "stub.Sink")},
			Links: []LinkDef{link(1, 1, 0, 2, 0, "TradeStream")},
		}},
		{"output slot out of range", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source"), node(2, "stub.Sink")},
			Links: []LinkDef{link(1, 1, 3, 2, 0, "CandleStream")},
		}},
		{"input slot out of range", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source"), node(2, "stub.Sink")},
			Links: []LinkDef{link(1, 1, 0, 2, 3, "CandleStream")},
		}},
		{"input connected twice", &Definition{
			Nodes: []NodeDef{node(1, "stub.Source"), node(2, "stub.Source"), node(3, "stub.Sink")},
			Links: []LinkDef{
				link(1, 1, 0, 3, 0, "CandleStream"),
				link(2, 2, 0, 3, 0, "CandleStream"),
			},
		}},
		{"cycle", &Definition{
			Nodes: []NodeDef{node(1, "stub.Relay"), node(2, "stub.Relay")},
			Links: []LinkDef{
				link(1, 1, 0, 2, 0, "CandleStream"),
				link(2, 2, 0, 1, 0, "CandleStream"),
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildGraph(tc.def, stubRegistry(), 8)
			require.ErrorIs(t, err, ErrGraphValidation)
		})
	}
}

func TestPortsInputNotConnected(t *testing.T) {
	ports := NewPorts([]PortSpec{{Name: "in", Type: PortCandleStream}}, nil)
	_, err := ports.Input(0)
	require.Error(t, err)
	_, err = ports.Input(5)
	require.Error(t, err)
}
