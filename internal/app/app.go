// Package app wires the process-wide dependencies and manages the set of
// loaded workflows.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantflow/internal/bus"
	"quantflow/internal/config"
	"quantflow/internal/exchange"
	"quantflow/internal/logger"
	"quantflow/internal/market"
	"quantflow/internal/stats"
	"quantflow/internal/store/gormstore"
	"quantflow/internal/workflow"
	"quantflow/internal/workflow/nodes"
)

// App owns the store, the event bus, the stats aggregator and every workflow
// started through it. One App per process.
type App struct {
	cfg      *config.Config
	bus      *bus.Bus
	store    *gormstore.Store
	stats    *stats.SpotStats
	deps     nodes.Deps
	registry map[string]workflow.NodeBuilder

	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	eventBus := bus.New(cfg.Engine.BusCapacity)
	store, err := gormstore.Open(gormstore.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, eventBus)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	spotStats := stats.NewSpotStats(store)
	deps := nodes.Deps{
		Bus:              eventBus,
		Klines:           store,
		KlineWriter:      store,
		Stats:            spotStats,
		EnableBackfill:   cfg.Backtest.EnableBackfill,
		Capacity:         cfg.Engine.Capacity,
		Pacing:           market.PacingScaled(cfg.Backtest.PacingSpeed),
		GapPolicy:        gapPolicyFrom(cfg.Backtest.GapPolicy),
		Retry:            retryPolicyFrom(cfg.Binance.Retry),
		BinanceAPIKey:    cfg.Binance.APIKey,
		BinanceAPISecret: cfg.Binance.APISecret,
		FeederMaxRetries: cfg.Binance.FeederMaxRetries,
	}

	return &App{
		cfg:       cfg,
		bus:       eventBus,
		store:     store,
		stats:     spotStats,
		deps:      deps,
		registry:  nodes.Registry(deps),
		workflows: make(map[string]*workflow.Workflow),
	}, nil
}

func (a *App) Store() *gormstore.Store { return a.store }

func (a *App) Stats() *stats.SpotStats { return a.stats }

func (a *App) Close() error {
	return a.store.Close()
}

// CreateWorkflow validates the definition, builds a throwaway graph to catch
// node-level parameter errors up front and persists the workflow as Created.
func (a *App) CreateWorkflow(ctx context.Context, name string, mode workflow.Mode, definition []byte) (string, error) {
	def, err := workflow.ParseDefinition(definition)
	if err != nil {
		return "", err
	}
	if _, err := workflow.BuildGraph(def, a.registry, a.cfg.Engine.Capacity); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := a.store.CreateWorkflow(ctx, id, name, string(mode), definition, string(workflow.StatusCreated)); err != nil {
		return "", fmt.Errorf("persisting workflow: %w", err)
	}
	logger.Infof("workflow %s (%s) created in %s mode", id, name, mode)
	return id, nil
}

// StartWorkflow loads a Created workflow from the store, builds its graph and
// starts it. The returned handle supports Pause, Resume, Cancel and Wait.
func (a *App) StartWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row, found, err := a.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading workflow %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	if row.Status != string(workflow.StatusCreated) {
		return nil, fmt.Errorf("workflow %s already %s", id, row.Status)
	}
	mode, err := workflow.ParseMode(row.Mode)
	if err != nil {
		return nil, err
	}
	def, err := workflow.ParseDefinition(row.Definition)
	if err != nil {
		return nil, err
	}
	graph, err := workflow.BuildGraph(def, a.registry, a.cfg.Engine.Capacity)
	if err != nil {
		return nil, err
	}

	wf := workflow.New(id, row.Name, mode, graph,
		workflow.WithRecorder(a.store),
		workflow.WithGracePeriod(time.Duration(a.cfg.Engine.GracePeriodSeconds)*time.Second),
		workflow.WithProgressInterval(time.Duration(a.cfg.Engine.ProgressIntervalSeconds)*time.Second),
	)
	if err := wf.Start(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.workflows[id] = wf
	a.mu.Unlock()
	return wf, nil
}

// Workflow returns the handle of a started workflow.
func (a *App) Workflow(id string) (*workflow.Workflow, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	wf, ok := a.workflows[id]
	return wf, ok
}

func (a *App) PauseWorkflow(id string) error {
	wf, ok := a.Workflow(id)
	if !ok {
		return fmt.Errorf("workflow %s not running in this process", id)
	}
	wf.Pause()
	return nil
}

func (a *App) ResumeWorkflow(id string) error {
	wf, ok := a.Workflow(id)
	if !ok {
		return fmt.Errorf("workflow %s not running in this process", id)
	}
	wf.Resume()
	return nil
}

func (a *App) CancelWorkflow(id string) error {
	wf, ok := a.Workflow(id)
	if !ok {
		return fmt.Errorf("workflow %s not running in this process", id)
	}
	wf.Cancel()
	return nil
}

// WaitWorkflow blocks until the workflow reaches a terminal status or ctx
// ends.
func (a *App) WaitWorkflow(ctx context.Context, id string) (workflow.Status, error) {
	wf, ok := a.Workflow(id)
	if !ok {
		return "", fmt.Errorf("workflow %s not running in this process", id)
	}
	return wf.Wait(ctx)
}

func gapPolicyFrom(s string) market.GapPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "skip") {
		return market.GapSkip
	}
	return market.GapAbort
}

func retryPolicyFrom(r config.RetryConfig) exchange.RetryPolicy {
	return exchange.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMs) * time.Millisecond,
	}
}
