// Package model declares the persisted schema boundary of the engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// KlineModel is one stored OHLCV bar, unique per series and open time.
type KlineModel struct {
	ID         int64           `gorm:"column:id;primaryKey"`
	Exchange   string          `gorm:"column:exchange;uniqueIndex:idx_klines_series,priority:1"`
	Market     string          `gorm:"column:market;uniqueIndex:idx_klines_series,priority:2"`
	Symbol     string          `gorm:"column:symbol;uniqueIndex:idx_klines_series,priority:3"`
	Interval   string          `gorm:"column:interval;uniqueIndex:idx_klines_series,priority:4"`
	OpenTime   int64           `gorm:"column:open_time;uniqueIndex:idx_klines_series,priority:5"`
	OpenPrice  decimal.Decimal `gorm:"column:open_price;type:decimal(38,18)"`
	HighPrice  decimal.Decimal `gorm:"column:high_price;type:decimal(38,18)"`
	LowPrice   decimal.Decimal `gorm:"column:low_price;type:decimal(38,18)"`
	ClosePrice decimal.Decimal `gorm:"column:close_price;type:decimal(38,18)"`
	Volume     decimal.Decimal `gorm:"column:volume;type:decimal(38,18)"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

func (KlineModel) TableName() string { return "klines" }

// SpotPairModel is exchange symbol reference data consulted for rounding.
type SpotPairModel struct {
	ID                  int64     `gorm:"column:id;primaryKey"`
	Exchange            string    `gorm:"column:exchange;uniqueIndex:idx_spot_pairs,priority:1"`
	Symbol              string    `gorm:"column:symbol;uniqueIndex:idx_spot_pairs,priority:2"`
	BaseAsset           string    `gorm:"column:base_asset"`
	QuoteAsset          string    `gorm:"column:quote_asset"`
	BaseAssetPrecision  int32     `gorm:"column:base_asset_precision"`
	QuoteAssetPrecision int32     `gorm:"column:quote_asset_precision"`
	Status              string    `gorm:"column:status"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (SpotPairModel) TableName() string { return "spot_pairs" }

// StrategySpotPositionModel is an append-only position snapshot.
type StrategySpotPositionModel struct {
	ID                int64           `gorm:"column:id;primaryKey"`
	WorkflowID        string          `gorm:"column:workflow_id;index:idx_positions_key,priority:1"`
	NodeID            int             `gorm:"column:node_id;index:idx_positions_key,priority:2"`
	Exchange          string          `gorm:"column:exchange"`
	Symbol            string          `gorm:"column:symbol;index:idx_positions_key,priority:3"`
	BaseAsset         string          `gorm:"column:base_asset"`
	QuoteAsset        string          `gorm:"column:quote_asset"`
	BaseAssetBalance  decimal.Decimal `gorm:"column:base_asset_balance;type:decimal(38,18)"`
	QuoteAssetBalance decimal.Decimal `gorm:"column:quote_asset_balance;type:decimal(38,18)"`
	RealizedPnl       decimal.Decimal `gorm:"column:realized_pnl;type:decimal(38,18)"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
}

func (StrategySpotPositionModel) TableName() string { return "strategy_spot_positions" }

// StrategySpotStatsModel is the single current-state stats row per key,
// updated in place.
type StrategySpotStatsModel struct {
	ID                   int64           `gorm:"column:id;primaryKey"`
	WorkflowID           string          `gorm:"column:workflow_id;uniqueIndex:idx_stats_key,priority:1"`
	NodeID               int             `gorm:"column:node_id;uniqueIndex:idx_stats_key,priority:2"`
	Exchange             string          `gorm:"column:exchange;uniqueIndex:idx_stats_key,priority:3"`
	Symbol               string          `gorm:"column:symbol;uniqueIndex:idx_stats_key,priority:4"`
	BaseAsset            string          `gorm:"column:base_asset;uniqueIndex:idx_stats_key,priority:5"`
	QuoteAsset           string          `gorm:"column:quote_asset;uniqueIndex:idx_stats_key,priority:6"`
	InitialBaseBalance   decimal.Decimal `gorm:"column:initial_base_balance;type:decimal(38,18)"`
	InitialQuoteBalance  decimal.Decimal `gorm:"column:initial_quote_balance;type:decimal(38,18)"`
	InitialPrice         decimal.Decimal `gorm:"column:initial_price;type:decimal(38,18)"`
	MakerCommissionRate  decimal.Decimal `gorm:"column:maker_commission_rate;type:decimal(38,18)"`
	TakerCommissionRate  decimal.Decimal `gorm:"column:taker_commission_rate;type:decimal(38,18)"`
	BaseAssetBalance     decimal.Decimal `gorm:"column:base_asset_balance;type:decimal(38,18)"`
	QuoteAssetBalance    decimal.Decimal `gorm:"column:quote_asset_balance;type:decimal(38,18)"`
	AvgPrice             decimal.Decimal `gorm:"column:avg_price;type:decimal(38,18)"`
	TotalTrades          int64           `gorm:"column:total_trades"`
	BuyTrades            int64           `gorm:"column:buy_trades"`
	SellTrades           int64           `gorm:"column:sell_trades"`
	TotalBaseVolume      decimal.Decimal `gorm:"column:total_base_volume;type:decimal(38,18)"`
	TotalQuoteVolume     decimal.Decimal `gorm:"column:total_quote_volume;type:decimal(38,18)"`
	TotalBaseCommission  decimal.Decimal `gorm:"column:total_base_commission;type:decimal(38,18)"`
	TotalQuoteCommission decimal.Decimal `gorm:"column:total_quote_commission;type:decimal(38,18)"`
	RealizedPnl          decimal.Decimal `gorm:"column:realized_pnl;type:decimal(38,18)"`
	WinTrades            int64           `gorm:"column:win_trades"`
	CreatedAt            time.Time       `gorm:"column:created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at"`
}

func (StrategySpotStatsModel) TableName() string { return "strategy_spot_stats" }

// TradeModel is the append-only trade log, immutable once written. The unique
// key on (workflow_id, order_id) makes writes idempotent.
type TradeModel struct {
	ID         int64           `gorm:"column:id;primaryKey"`
	WorkflowID string          `gorm:"column:workflow_id;uniqueIndex:idx_trades_order,priority:1"`
	NodeID     int             `gorm:"column:node_id"`
	OrderID    string          `gorm:"column:order_id;uniqueIndex:idx_trades_order,priority:2"`
	Token      string          `gorm:"column:token"`
	Exchange   string          `gorm:"column:exchange"`
	Symbol     string          `gorm:"column:symbol"`
	Side       string          `gorm:"column:side"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(38,18)"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:decimal(38,18)"`
	QuoteQty   decimal.Decimal `gorm:"column:quote_qty;type:decimal(38,18)"`
	Commission decimal.Decimal `gorm:"column:commission;type:decimal(38,18)"`
	TradedAt   time.Time       `gorm:"column:traded_at"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

func (TradeModel) TableName() string { return "trades" }

// WorkflowModel stores a run's definition and lifecycle.
type WorkflowModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Name       string         `gorm:"column:name"`
	Mode       string         `gorm:"column:mode"`
	Definition datatypes.JSON `gorm:"column:definition;type:TEXT"`
	Status     string         `gorm:"column:status"`
	Progress   int            `gorm:"column:progress"`
	FailReason string         `gorm:"column:fail_reason"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (WorkflowModel) TableName() string { return "workflows" }

// WorkflowLogModel is the append-only structured event log per workflow.
type WorkflowLogModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	WorkflowID string         `gorm:"column:workflow_id;index:idx_workflow_logs"`
	NodeID     *int           `gorm:"column:node_id"`
	Kind       string         `gorm:"column:kind"` // progress | transition | trade | error
	Message    string         `gorm:"column:message"`
	Payload    datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (WorkflowLogModel) TableName() string { return "workflow_logs" }
