// Package gormstore is the persistence layer. One Store serves the kline
// history, the trade/stats/position records and the workflow lifecycle rows,
// over either SQLite (single-binary backtests) or PostgreSQL.
//
// Every kline write publishes a kline_change event on the process bus, which
// is what live market sources subscribe to.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"quantflow/internal/bus"
	"quantflow/internal/exchange"
	"quantflow/internal/market"
	"quantflow/internal/stats"
	"quantflow/internal/store/model"
	"quantflow/internal/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the backing database.
type Config struct {
	Driver       string // sqlite | postgres
	DSN          string // file path for sqlite, conn string for postgres
	MaxOpenConns int
}

// Store is the single gorm-backed store shared by all components.
type Store struct {
	db  *gorm.DB
	bus *bus.Bus
}

var (
	_ market.KlineReader = (*Store)(nil)
	_ stats.Recorder     = (*Store)(nil)
)

// Open connects, migrates the schema and wires the event bus. eventBus may be
// nil when no live consumer exists (pure backtest runs).
func Open(cfg Config, eventBus *bus.Bus) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		path := strings.TrimSpace(cfg.DSN)
		if path == "" {
			return nil, fmt.Errorf("store: sqlite path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: creating data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("store: postgres dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(
		&model.KlineModel{},
		&model.SpotPairModel{},
		&model.StrategySpotPositionModel{},
		&model.StrategySpotStatsModel{},
		&model.TradeModel{},
		&model.WorkflowModel{},
		&model.WorkflowLogModel{},
	); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		if strings.EqualFold(cfg.Driver, DriverPostgres) {
			maxConns = 10
		} else {
			// SQLite + WAL: keep lock contention low
			maxConns = 2
		}
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)

	return &Store{db: db, bus: eventBus}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// ----------------------------- klines -----------------------------

// UpsertKline writes the candle, replacing an existing bar with the same
// series identity and open time, then publishes kline_change. Repeated writes
// of the same open time are how in-progress live bars update in place.
func (s *Store) UpsertKline(ctx context.Context, c market.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	now := time.Now()
	row := model.KlineModel{
		Exchange:   c.Exchange.String(),
		Market:     c.Market.String(),
		Symbol:     c.Symbol.String(),
		Interval:   c.Interval.String(),
		OpenTime:   c.OpenTime,
		OpenPrice:  c.Open,
		HighPrice:  c.High,
		LowPrice:   c.Low,
		ClosePrice: c.Close,
		Volume:     c.Volume,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "exchange"}, {Name: "market"}, {Name: "symbol"},
				{Name: "interval"}, {Name: "open_time"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"open_price", "high_price", "low_price", "close_price", "volume", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: upserting kline %s@%d: %w", c.Symbol, c.OpenTime, err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.KlineChangeTopic, c)
	}
	return nil
}

// RangeKlines returns up to limit candles of the series with open_time in
// [fromMs, toMs) and strictly greater than afterMs, ascending.
func (s *Store) RangeKlines(ctx context.Context, series market.Series, fromMs, toMs, afterMs int64, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 1000
	}
	low := fromMs
	if afterMs >= low {
		low = afterMs + 1
	}
	var rows []model.KlineModel
	err := s.seriesQuery(ctx, series).
		Where("open_time >= ? AND open_time < ?", low, toMs).
		Order("open_time ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: loading klines %s: %w", series, err)
	}
	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, klineToCandle(row))
	}
	return candles, nil
}

// CountKlines counts candles of the series with open_time in [fromMs, toMs).
func (s *Store) CountKlines(ctx context.Context, series market.Series, fromMs, toMs int64) (int64, error) {
	var total int64
	err := s.seriesQuery(ctx, series).
		Where("open_time >= ? AND open_time < ?", fromMs, toMs).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("store: counting klines %s: %w", series, err)
	}
	return total, nil
}

// EarliestKlineTime returns the lowest stored open_time of the series, or
// (0, false) when none exist.
func (s *Store) EarliestKlineTime(ctx context.Context, series market.Series) (int64, bool, error) {
	var row model.KlineModel
	err := s.seriesQuery(ctx, series).Order("open_time ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.OpenTime, true, nil
}

func (s *Store) seriesQuery(ctx context.Context, series market.Series) *gorm.DB {
	return s.db.WithContext(ctx).Model(&model.KlineModel{}).
		Where("exchange = ? AND market = ? AND symbol = ? AND interval = ?",
			series.Exchange.String(), series.Market.String(), series.Symbol.String(), series.Interval.String())
}

func klineToCandle(row model.KlineModel) market.Candle {
	return market.Candle{
		Exchange: types.Exchange(row.Exchange),
		Market:   types.Market(row.Market),
		Symbol:   types.Symbol(row.Symbol),
		Interval: types.Interval(row.Interval),
		OpenTime: row.OpenTime,
		Open:     row.OpenPrice,
		High:     row.HighPrice,
		Low:      row.LowPrice,
		Close:    row.ClosePrice,
		Volume:   row.Volume,
	}
}

// ----------------------------- spot pairs -----------------------------

// UpsertSpotPair refreshes the reference data for one symbol.
func (s *Store) UpsertSpotPair(ctx context.Context, ex types.Exchange, info exchange.SymbolInformation, status string) error {
	now := time.Now()
	row := model.SpotPairModel{
		Exchange:            ex.String(),
		Symbol:              info.Symbol.String(),
		BaseAsset:           info.BaseAsset,
		QuoteAsset:          info.QuoteAsset,
		BaseAssetPrecision:  info.BaseAssetPrecision,
		QuoteAssetPrecision: info.QuoteAssetPrecision,
		Status:              status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "exchange"}, {Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"base_asset", "quote_asset", "base_asset_precision", "quote_asset_precision",
				"status", "updated_at",
			}),
		}).
		Create(&row).Error
}

// GetSpotPair looks up reference data for a symbol.
func (s *Store) GetSpotPair(ctx context.Context, ex types.Exchange, symbol types.Symbol) (exchange.SymbolInformation, bool, error) {
	var row model.SpotPairModel
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND symbol = ?", ex.String(), symbol.String()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exchange.SymbolInformation{}, false, nil
	}
	if err != nil {
		return exchange.SymbolInformation{}, false, err
	}
	return exchange.SymbolInformation{
		Symbol:              types.Symbol(row.Symbol),
		BaseAsset:           row.BaseAsset,
		QuoteAsset:          row.QuoteAsset,
		BaseAssetPrecision:  row.BaseAssetPrecision,
		QuoteAssetPrecision: row.QuoteAssetPrecision,
	}, true, nil
}

// ----------------------------- stats recorder -----------------------------

// SaveTrade appends the fill to the trade log. The unique key on
// (workflow_id, order_id) makes replays and duplicate deliveries no-ops.
func (s *Store) SaveTrade(ctx context.Context, key stats.Key, fill exchange.Fill) error {
	row := model.TradeModel{
		WorkflowID: key.WorkflowID,
		NodeID:     key.NodeID,
		OrderID:    fill.OrderID,
		Token:      fill.Token,
		Exchange:   fill.Exchange.String(),
		Symbol:     fill.Symbol.String(),
		Side:       string(fill.Side),
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		QuoteQty:   fill.QuoteQty,
		Commission: fill.Commission,
		TradedAt:   fill.Timestamp,
		CreatedAt:  time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "order_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
}

// SaveStats upserts the single current-state row for the key.
func (s *Store) SaveStats(ctx context.Context, key stats.Key, data stats.Data) error {
	now := time.Now()
	row := model.StrategySpotStatsModel{
		WorkflowID:           key.WorkflowID,
		NodeID:               key.NodeID,
		Exchange:             data.Exchange.String(),
		Symbol:               key.Symbol.String(),
		BaseAsset:            data.BaseAsset,
		QuoteAsset:           data.QuoteAsset,
		InitialBaseBalance:   data.InitialBaseBalance,
		InitialQuoteBalance:  data.InitialQuoteBalance,
		InitialPrice:         data.InitialPrice,
		MakerCommissionRate:  data.MakerCommissionRate,
		TakerCommissionRate:  data.TakerCommissionRate,
		BaseAssetBalance:     data.BaseAssetBalance,
		QuoteAssetBalance:    data.QuoteAssetBalance,
		AvgPrice:             data.AvgPrice,
		TotalTrades:          data.TotalTrades,
		BuyTrades:            data.BuyTrades,
		SellTrades:           data.SellTrades,
		TotalBaseVolume:      data.TotalBaseVolume,
		TotalQuoteVolume:     data.TotalQuoteVolume,
		TotalBaseCommission:  data.TotalBaseCommission,
		TotalQuoteCommission: data.TotalQuoteCommission,
		RealizedPnl:          data.RealizedPnl,
		WinTrades:            data.WinTrades,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "workflow_id"}, {Name: "node_id"}, {Name: "exchange"},
				{Name: "symbol"}, {Name: "base_asset"}, {Name: "quote_asset"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"initial_base_balance", "initial_quote_balance", "initial_price",
				"maker_commission_rate", "taker_commission_rate",
				"base_asset_balance", "quote_asset_balance", "avg_price",
				"total_trades", "buy_trades", "sell_trades",
				"total_base_volume", "total_quote_volume",
				"total_base_commission", "total_quote_commission",
				"realized_pnl", "win_trades", "updated_at",
			}),
		}).
		Create(&row).Error
}

// SavePosition appends a position snapshot. Append-only: the history of rows
// is the input of the net-value curve.
func (s *Store) SavePosition(ctx context.Context, key stats.Key, data stats.Data) error {
	row := model.StrategySpotPositionModel{
		WorkflowID:        key.WorkflowID,
		NodeID:            key.NodeID,
		Exchange:          data.Exchange.String(),
		Symbol:            key.Symbol.String(),
		BaseAsset:         data.BaseAsset,
		QuoteAsset:        data.QuoteAsset,
		BaseAssetBalance:  data.BaseAssetBalance,
		QuoteAssetBalance: data.QuoteAssetBalance,
		RealizedPnl:       data.RealizedPnl,
		CreatedAt:         time.Now(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListPositions loads the position snapshots of a key in time order.
func (s *Store) ListPositions(ctx context.Context, key stats.Key) ([]stats.PositionPoint, error) {
	var rows []model.StrategySpotPositionModel
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND node_id = ? AND symbol = ?",
			key.WorkflowID, key.NodeID, key.Symbol.String()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	points := make([]stats.PositionPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, stats.PositionPoint{
			Timestamp:         row.CreatedAt.UnixMilli(),
			BaseAssetBalance:  row.BaseAssetBalance,
			QuoteAssetBalance: row.QuoteAssetBalance,
		})
	}
	return points, nil
}

// ----------------------------- workflows -----------------------------

// CreateWorkflow persists a new run with its definition document.
func (s *Store) CreateWorkflow(ctx context.Context, id, name, mode string, definition []byte, status string) error {
	now := time.Now()
	row := model.WorkflowModel{
		ID:         id,
		Name:       name,
		Mode:       mode,
		Definition: datatypes.JSON(definition),
		Status:     status,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// UpdateWorkflowStatus records a lifecycle transition. failReason is stored
// only for failing transitions and is otherwise cleared.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id, status, failReason string) error {
	res := s.db.WithContext(ctx).Model(&model.WorkflowModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"fail_reason": failReason,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateWorkflowProgress stores the completion percentage, or -1 when the run
// is unbounded.
func (s *Store) UpdateWorkflowProgress(ctx context.Context, id string, progress int) error {
	return s.db.WithContext(ctx).Model(&model.WorkflowModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress":   progress,
			"updated_at": time.Now(),
		}).Error
}

// GetWorkflow loads one run.
func (s *Store) GetWorkflow(ctx context.Context, id string) (model.WorkflowModel, bool, error) {
	var row model.WorkflowModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.WorkflowModel{}, false, nil
	}
	if err != nil {
		return model.WorkflowModel{}, false, err
	}
	return row, true, nil
}

// ListWorkflows returns recent runs, newest first.
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]model.WorkflowModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []model.WorkflowModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// AppendWorkflowLog writes one structured event for the run. nodeID may be
// nil for workflow-level events.
func (s *Store) AppendWorkflowLog(ctx context.Context, workflowID string, nodeID *int, kind, message string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	row := model.WorkflowLogModel{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Kind:       kind,
		Message:    message,
		Payload:    datatypes.JSON(payload),
		CreatedAt:  time.Now(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListWorkflowLogs returns a run's events in write order.
func (s *Store) ListWorkflowLogs(ctx context.Context, workflowID string, limit int) ([]model.WorkflowLogModel, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	var rows []model.WorkflowLogModel
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
