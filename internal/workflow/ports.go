package workflow

import (
	"context"
	"fmt"
	"sync"

	"quantflow/internal/exchange"
	"quantflow/internal/market"
)

// PortType is the closed set of edge payloads. Stream types become bounded
// channels; PairInfo and SpotClient are one-shot handoffs.
type PortType string

const (
	PortPairInfo     PortType = "PairInfo"
	PortCandleStream PortType = "CandleStream"
	PortTradeStream  PortType = "TradeStream"
	PortSpotClient   PortType = "SpotClient"
)

func ParsePortType(s string) (PortType, error) {
	switch PortType(s) {
	case PortPairInfo, PortCandleStream, PortTradeStream, PortSpotClient:
		return PortType(s), nil
	}
	return "", fmt.Errorf("%w: unknown link type %q", ErrGraphValidation, s)
}

// PairInfo is the static symbol handoff from a ticker node.
type PairInfo struct {
	BaseAsset  string
	QuoteAsset string
}

// Pipe is one wired edge of the graph. Exactly one of its channels is live,
// selected by Type.
type Pipe struct {
	Type PortType

	closeOnce sync.Once
	pairs     chan PairInfo
	candles   chan market.Candle
	fills     chan exchange.Fill
	clients   chan exchange.Gateway
}

func newPipe(t PortType, capacity int) *Pipe {
	if capacity <= 0 {
		capacity = 64
	}
	p := &Pipe{Type: t}
	switch t {
	case PortPairInfo:
		p.pairs = make(chan PairInfo, 1)
	case PortSpotClient:
		p.clients = make(chan exchange.Gateway, 1)
	case PortCandleStream:
		p.candles = make(chan market.Candle, capacity)
	case PortTradeStream:
		p.fills = make(chan exchange.Fill, capacity)
	}
	return p
}

// Close ends the stream; downstream receives end-of-stream.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		switch p.Type {
		case PortPairInfo:
			close(p.pairs)
		case PortSpotClient:
			close(p.clients)
		case PortCandleStream:
			close(p.candles)
		case PortTradeStream:
			close(p.fills)
		}
	})
}

func (p *Pipe) SendCandle(ctx context.Context, c market.Candle) error {
	select {
	case p.candles <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvCandle blocks until a candle arrives, upstream closes (ok=false), or
// ctx ends.
func (p *Pipe) RecvCandle(ctx context.Context) (market.Candle, bool, error) {
	select {
	case c, ok := <-p.candles:
		return c, ok, nil
	case <-ctx.Done():
		return market.Candle{}, false, ctx.Err()
	}
}

func (p *Pipe) SendFill(ctx context.Context, f exchange.Fill) error {
	select {
	case p.fills <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) RecvFill(ctx context.Context) (exchange.Fill, bool, error) {
	select {
	case f, ok := <-p.fills:
		return f, ok, nil
	case <-ctx.Done():
		return exchange.Fill{}, false, ctx.Err()
	}
}

func (p *Pipe) SendPair(ctx context.Context, info PairInfo) error {
	select {
	case p.pairs <- info:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) RecvPair(ctx context.Context) (PairInfo, error) {
	select {
	case info, ok := <-p.pairs:
		if !ok {
			return PairInfo{}, fmt.Errorf("workflow: pair info upstream closed without a value")
		}
		return info, nil
	case <-ctx.Done():
		return PairInfo{}, ctx.Err()
	}
}

func (p *Pipe) SendClient(ctx context.Context, gw exchange.Gateway) error {
	select {
	case p.clients <- gw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) RecvClient(ctx context.Context) (exchange.Gateway, error) {
	select {
	case gw, ok := <-p.clients:
		if !ok {
			return nil, fmt.Errorf("workflow: client upstream closed without a value")
		}
		return gw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PortSpec declares one slot of a node.
type PortSpec struct {
	Name string
	Type PortType
}

// Ports holds a node's slot declarations and, after wiring, the pipes bound
// to them. Inputs take at most one pipe; outputs fan out to any number of
// downstream pipes.
type Ports struct {
	in  []PortSpec
	out []PortSpec

	inputs  []*Pipe
	outputs [][]*Pipe
}

func NewPorts(in, out []PortSpec) *Ports {
	return &Ports{
		in:      in,
		out:     out,
		inputs:  make([]*Pipe, len(in)),
		outputs: make([][]*Pipe, len(out)),
	}
}

func (p *Ports) InputSpecs() []PortSpec  { return p.in }
func (p *Ports) OutputSpecs() []PortSpec { return p.out }

func (p *Ports) bindInput(slot int, pipe *Pipe) error {
	if slot < 0 || slot >= len(p.in) {
		return fmt.Errorf("%w: input slot %d out of range", ErrGraphValidation, slot)
	}
	if p.in[slot].Type != pipe.Type {
		return fmt.Errorf("%w: input slot %d expects %s, link carries %s", ErrGraphValidation, slot, p.in[slot].Type, pipe.Type)
	}
	if p.inputs[slot] != nil {
		return fmt.Errorf("%w: input slot %d already connected", ErrGraphValidation, slot)
	}
	p.inputs[slot] = pipe
	return nil
}

func (p *Ports) bindOutput(slot int, pipe *Pipe) error {
	if slot < 0 || slot >= len(p.out) {
		return fmt.Errorf("%w: output slot %d out of range", ErrGraphValidation, slot)
	}
	if p.out[slot].Type != pipe.Type {
		return fmt.Errorf("%w: output slot %d produces %s, link carries %s", ErrGraphValidation, slot, p.out[slot].Type, pipe.Type)
	}
	p.outputs[slot] = append(p.outputs[slot], pipe)
	return nil
}

// Input returns the pipe bound to the slot; an unconnected required input is
// a graph defect surfaced at run time.
func (p *Ports) Input(slot int) (*Pipe, error) {
	if slot < 0 || slot >= len(p.inputs) || p.inputs[slot] == nil {
		return nil, fmt.Errorf("workflow: input slot %d not connected", slot)
	}
	return p.inputs[slot], nil
}

// CloseOutputs closes every downstream pipe. Idempotent.
func (p *Ports) CloseOutputs() {
	for _, pipes := range p.outputs {
		for _, pipe := range pipes {
			pipe.Close()
		}
	}
}

// BroadcastCandle delivers the candle to every consumer of the slot. Blocks on
// a full consumer (backpressure).
func (p *Ports) BroadcastCandle(ctx context.Context, slot int, c market.Candle) error {
	for _, pipe := range p.outputs[slot] {
		if err := pipe.SendCandle(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Ports) BroadcastFill(ctx context.Context, slot int, f exchange.Fill) error {
	for _, pipe := range p.outputs[slot] {
		if err := pipe.SendFill(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Ports) HandoffPair(ctx context.Context, slot int, info PairInfo) error {
	for _, pipe := range p.outputs[slot] {
		if err := pipe.SendPair(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (p *Ports) HandoffClient(ctx context.Context, slot int, gw exchange.Gateway) error {
	for _, pipe := range p.outputs[slot] {
		if err := pipe.SendClient(ctx, gw); err != nil {
			return err
		}
	}
	return nil
}
