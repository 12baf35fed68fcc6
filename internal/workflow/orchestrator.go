// Package workflow contains the graph model and the execution engine: a
// declarative definition becomes a validated node graph, each node runs as
// its own goroutine wired to its neighbors by bounded pipes, and a supervisor
// drives the run's lifecycle from Created through a terminal state.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"quantflow/internal/logger"
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrGraceTimeout marks a shutdown that did not complete within the grace
// period; the run is abandoned and reported Failed.
var ErrGraceTimeout = errors.New("workflow: shutdown grace period exceeded")

// ProgressIndeterminate is reported for live runs, whose sequence has no end.
const ProgressIndeterminate = -1

// Recorder persists lifecycle transitions, progress and structured events.
// Implemented by the store; optional.
type Recorder interface {
	UpdateWorkflowStatus(ctx context.Context, id, status, failReason string) error
	UpdateWorkflowProgress(ctx context.Context, id string, progress int) error
	AppendWorkflowLog(ctx context.Context, workflowID string, nodeID *int, kind, message string, payload []byte) error
}

// Workflow supervises one run of a validated graph.
type Workflow struct {
	id    string
	name  string
	mode  Mode
	graph *Graph
	log   *slog.Logger

	recorder      Recorder
	grace         time.Duration
	progressEvery time.Duration

	pause     *gate
	cancelRun context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	status   Status
	progress int
	failNode int
	failErr  error
}

type Option func(*Workflow)

func WithRecorder(r Recorder) Option {
	return func(w *Workflow) { w.recorder = r }
}

// WithGracePeriod bounds how long cancellation may take before the run is
// abandoned as Failed.
func WithGracePeriod(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.grace = d
		}
	}
}

func WithProgressInterval(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.progressEvery = d
		}
	}
}

func New(id, name string, mode Mode, graph *Graph, opts ...Option) *Workflow {
	w := &Workflow{
		id:            id,
		name:          name,
		mode:          mode,
		graph:         graph,
		log:           logger.With("workflow", id),
		grace:         10 * time.Second,
		progressEvery: time.Second,
		pause:         newGate(),
		done:          make(chan struct{}),
		status:        StatusCreated,
		failNode:      -1,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) ID() string { return w.id }

func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Progress is 0-100 for backtests, ProgressIndeterminate for live runs.
func (w *Workflow) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// FailedNode reports which node caused a Failed status, or -1.
func (w *Workflow) FailedNode() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failNode, w.failErr
}

// Start transitions Created → Running and launches every node. It returns
// immediately; use Wait for the terminal state.
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.status != StatusCreated {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("workflow %s: cannot start from status %s", w.id, status)
	}
	w.status = StatusRunning
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancelRun = cancel

	w.recordStatus(StatusRunning, "")
	w.appendLog(nil, "transition", "workflow started", nil)
	if w.mode == ModeLive {
		w.setProgress(ProgressIndeterminate)
	}

	go w.supervise(runCtx)
	return nil
}

// Pause parks every node at its next safe point. Committed trades stay
// committed.
func (w *Workflow) Pause() {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return
	}
	w.status = StatusPaused
	w.mu.Unlock()
	w.pause.shut()
	w.recordStatus(StatusPaused, "")
	w.appendLog(nil, "transition", "workflow paused", nil)
}

func (w *Workflow) Resume() {
	w.mu.Lock()
	if w.status != StatusPaused {
		w.mu.Unlock()
		return
	}
	w.status = StatusRunning
	w.mu.Unlock()
	w.pause.reopen()
	w.recordStatus(StatusRunning, "")
	w.appendLog(nil, "transition", "workflow resumed", nil)
}

// Cancel requests cooperative shutdown. The run ends Cancelled if every node
// stops within the grace period, Failed otherwise.
func (w *Workflow) Cancel() {
	if w.cancelled.CompareAndSwap(false, true) {
		w.pause.reopen() // a paused node must be able to observe cancellation
		if w.cancelRun != nil {
			w.cancelRun()
		}
	}
}

// Wait blocks until the run reaches a terminal status.
func (w *Workflow) Wait(ctx context.Context) (Status, error) {
	select {
	case <-w.done:
		return w.Status(), nil
	case <-ctx.Done():
		return w.Status(), ctx.Err()
	}
}

func (w *Workflow) supervise(runCtx context.Context) {
	g, gctx := errgroup.WithContext(runCtx)
	env := &Env{WorkflowID: w.id, Mode: w.mode, pause: w.pause}

	for _, node := range w.graph.Nodes() {
		node := node
		g.Go(func() error {
			err := node.Run(gctx, env)
			// outputs close on every exit path so downstream nodes drain
			node.Ports().CloseOutputs()

			outcome := outcomeOf(err)
			nodeID := node.ID()
			w.log.Info("node finished", "node", nodeID, "name", node.Name(), "outcome", outcome.Kind)
			if outcome.Kind == OutcomeFailed {
				w.appendLog(&nodeID, "error", outcome.Reason, nil)
				return &NodeError{NodeID: nodeID, NodeName: node.Name(), Err: err}
			}
			return nil
		})
	}

	stopProgress := make(chan struct{})
	var progressWG sync.WaitGroup
	if w.mode == ModeBacktest {
		progressWG.Add(1)
		go func() {
			defer progressWG.Done()
			w.progressLoop(stopProgress)
		}()
	}

	waitC := make(chan error, 1)
	go func() { waitC <- g.Wait() }()

	var err error
	var graceC <-chan time.Time
	runDone := runCtx.Done()
loop:
	for {
		select {
		case err = <-waitC:
			break loop
		case <-runDone:
			runDone = nil
			graceC = time.After(w.grace)
		case <-graceC:
			err = fmt.Errorf("%w: nodes still running after %s", ErrGraceTimeout, w.grace)
			break loop
		}
	}

	close(stopProgress)
	progressWG.Wait()
	w.finish(runCtx, err)
}

func (w *Workflow) finish(runCtx context.Context, err error) {
	var status Status
	var reason string

	switch {
	case errors.Is(err, ErrGraceTimeout):
		status = StatusFailed
		reason = err.Error()
	case err != nil:
		status = StatusFailed
		reason = err.Error()
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			w.mu.Lock()
			w.failNode = nodeErr.NodeID
			w.failErr = nodeErr.Err
			w.mu.Unlock()
		}
	case w.cancelled.Load() || runCtx.Err() != nil:
		status = StatusCancelled
	default:
		status = StatusCompleted
	}

	w.mu.Lock()
	w.status = status
	if status == StatusCompleted && w.mode == ModeBacktest {
		w.progress = 100
	}
	w.mu.Unlock()

	if status == StatusCompleted && w.mode == ModeBacktest {
		w.recordProgress(100)
	}
	w.recordStatus(status, reason)
	w.appendLog(nil, "transition", fmt.Sprintf("workflow %s", status), map[string]any{"reason": reason})
	w.log.Info("workflow finished", "status", status, "reason", reason)
	close(w.done)
}

// progressLoop samples the finite sources and keeps the persisted completion
// percentage monotonically non-decreasing.
func (w *Workflow) progressLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pct, ok := w.sampleProgress()
			if !ok {
				continue
			}
			w.mu.Lock()
			if pct <= w.progress {
				w.mu.Unlock()
				continue
			}
			w.progress = pct
			w.mu.Unlock()
			w.recordProgress(pct)
		}
	}
}

func (w *Workflow) sampleProgress() (int, bool) {
	var consumed, total int64
	for _, node := range w.graph.Nodes() {
		if src, ok := node.(ProgressSource); ok {
			c, t := src.Progress()
			consumed += c
			total += t
		}
	}
	if total <= 0 {
		return 0, false
	}
	pct := int(consumed * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func (w *Workflow) setProgress(pct int) {
	w.mu.Lock()
	w.progress = pct
	w.mu.Unlock()
	w.recordProgress(pct)
}

func (w *Workflow) recordStatus(status Status, reason string) {
	if w.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.recorder.UpdateWorkflowStatus(ctx, w.id, string(status), reason); err != nil {
		w.log.Warn("recording status failed", "status", status, "err", err)
	}
}

func (w *Workflow) recordProgress(pct int) {
	if w.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.recorder.UpdateWorkflowProgress(ctx, w.id, pct); err != nil {
		w.log.Warn("recording progress failed", "err", err)
	}
}

// appendLog writes a structured event to the run's persisted log.
func (w *Workflow) appendLog(nodeID *int, kind, message string, payload map[string]any) {
	if w.recorder == nil {
		return
	}
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.recorder.AppendWorkflowLog(ctx, w.id, nodeID, kind, message, raw); err != nil {
		w.log.Warn("appending log failed", "err", err)
	}
}
