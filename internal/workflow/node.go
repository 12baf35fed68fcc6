package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind is the closed set of node responsibilities. The orchestrator validates
// graphs against this set exhaustively; there is no open-ended extension.
type Kind string

const (
	KindSource   Kind = "source"
	KindClient   Kind = "client"
	KindStrategy Kind = "strategy"
	KindStats    Kind = "stats"
)

// Mode selects where market data and executions come from.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBacktest, ModeLive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("workflow: unknown mode %q", s)
}

// Node is one schedulable vertex. Run blocks until the node's work is done:
// sources return after exhausting their sequence, everything else returns
// after its inputs close. Run must honor ctx cancellation promptly and leave
// output closing to the runtime.
type Node interface {
	ID() int
	Name() string
	Kind() Kind
	Ports() *Ports
	Run(ctx context.Context, env *Env) error
}

// ProgressSource is implemented by finite source nodes that can report how
// far along their replay is.
type ProgressSource interface {
	Progress() (consumed, total int64)
}

// OutcomeKind classifies how a node's Run ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is a node's terminal report.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeCompleted}
	case errors.Is(err, context.Canceled):
		return Outcome{Kind: OutcomeCancelled}
	default:
		return Outcome{Kind: OutcomeFailed, Reason: err.Error()}
	}
}

// NodeError wraps a node failure with its origin so the workflow's terminal
// report names the culprit.
type NodeError struct {
	NodeID   int
	NodeName string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %d (%s): %v", e.NodeID, e.NodeName, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Env is the per-run environment handed to every node.
type Env struct {
	WorkflowID string
	Mode       Mode

	pause *gate
}

// WaitIfPaused blocks while the workflow is paused. Nodes call it at safe
// points, typically once per consumed unit of work.
func (e *Env) WaitIfPaused(ctx context.Context) error {
	if e == nil || e.pause == nil {
		return ctx.Err()
	}
	return e.pause.wait(ctx)
}

// gate is the pause barrier: open lets callers pass, shut parks them until
// reopened.
type gate struct {
	mu   sync.Mutex
	open chan struct{} // closed channel == gate open
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) shut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) reopen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
