// Package models holds the gorm entities of spec §3. All entities carry
// an integer identity, a monotonic CreatedAt, and a last-mutation
// UpdatedAt, matching the teacher's gorm tagging conventions
// (internal/database/database.go's Market/Opportunity/Trade shape).
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType enumerates the three market types a Strategy/Account can
// trade.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
	MarketStock   MarketType = "STOCK"
)

// Exchange enumerates the supported venues. New exchanges are added by
// registering an adapter (internal/exchange), not by extending call-site
// branches — this const list only identifies which adapter to look up.
type Exchange string

const (
	ExchangeBinance Exchange = "BINANCE"
	ExchangeBybit   Exchange = "BYBIT"
	ExchangeUpbit   Exchange = "UPBIT"
	ExchangeBithumb Exchange = "BITHUMB"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the accepted order shapes, including the two
// webhook-only control intents (CANCEL, CANCEL_ALL_ORDER) that never
// become persisted Order rows themselves.
type OrderType string

const (
	OrderMarket          OrderType = "MARKET"
	OrderLimit           OrderType = "LIMIT"
	OrderStopLimit       OrderType = "STOP_LIMIT"
	OrderStopMarket      OrderType = "STOP_MARKET"
	OrderCancel          OrderType = "CANCEL"
	OrderCancelAllOrder  OrderType = "CANCEL_ALL_ORDER"
)

// OrderStatus is one state of the §4.3.1 state machine.
type OrderStatus string

const (
	StatusPending          OrderStatus = "PENDING"
	StatusCancelling       OrderStatus = "CANCELLING"
	StatusOpen             OrderStatus = "OPEN"
	StatusPartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled           OrderStatus = "FILLED"
	StatusCancelled        OrderStatus = "CANCELLED"
	StatusFailed           OrderStatus = "FAILED"
	StatusExpired          OrderStatus = "EXPIRED"
	StatusRejected         OrderStatus = "REJECTED"
)

// ActiveStatuses is the §4.3.1 "active" classification group: what
// background jobs iterate. NEW is carried for parity with exchange-native
// open-order snapshots that report a bare "NEW" before the gateway's own
// OPEN transition lands.
var ActiveStatuses = []OrderStatus{StatusPending, "NEW", StatusOpen, StatusPartiallyFilled, StatusCancelling}

// UIOpenStatuses is the §4.3.1 "ui_open" classification group: what a
// dashboard shows. PENDING and CANCELLING are transient and hidden.
var UIOpenStatuses = []OrderStatus{"NEW", StatusOpen, StatusPartiallyFilled}

// FailedOrderStatus is the post-mortem retry state of a FailedOrder row.
type FailedOrderStatus string

const (
	FailedOrderPendingRetry FailedOrderStatus = "pending_retry"
	FailedOrderRemoved      FailedOrderStatus = "removed"
)

// Strategy is the webhook routing key and the unit of subscriber
// visibility (§3 Strategy).
type Strategy struct {
	ID          uint       `gorm:"primaryKey;autoIncrement"`
	OwnerUserID uint       `gorm:"index;not null"`
	GroupName   string     `gorm:"uniqueIndex;size:50;not null"` // ^[A-Za-z0-9_-]{1,50}$
	MarketType  MarketType `gorm:"size:16;not null"`
	IsActive    bool       `gorm:"not null;default:true"`
	IsPublic    bool       `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Account is an exchange account owned by a user, with opaque credentials
// resolved at dispatch time through secretstore.Store keyed by
// CredentialRef.
type Account struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	OwnerUserID   uint       `gorm:"index;not null"`
	DisplayName   string     `gorm:"size:100;not null"`
	Exchange      Exchange   `gorm:"size:16;not null"`
	MarketType    MarketType `gorm:"size:16;not null"`
	IsTestnet     bool       `gorm:"not null;default:false"`
	CredentialRef string     `gorm:"size:100;not null"` // opaque handle into secretstore.Store
	WebhookToken  string     `gorm:"size:100;index"`
	IsActive      bool       `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StrategyAccount is the many-to-many edge and the unit of strategy
// isolation: every Order, Position, and Trade is scoped by
// StrategyAccountID (§3 invariant).
type StrategyAccount struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	StrategyID uint            `gorm:"index:idx_strategy_account,priority:1;not null"`
	AccountID  uint            `gorm:"index:idx_strategy_account,priority:2;not null"`
	Weight     decimal.Decimal `gorm:"type:decimal(10,4);not null"` // [0.01, 100]
	Leverage   decimal.Decimal `gorm:"type:decimal(10,2);not null"` // [0.1, 125]
	MaxSymbols int             `gorm:"not null;default:50"`         // [1, 1000]
	IsActive   bool            `gorm:"not null;default:true;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Order is an active/outstanding order at the exchange (§3 Order).
type Order struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID uint            `gorm:"index:idx_order_sym_status,priority:1;not null"`
	Symbol            string          `gorm:"index:idx_order_sym_status,priority:2;size:32;not null"`
	Side              Side            `gorm:"size:8;not null"`
	OrderType         OrderType       `gorm:"size:16;not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	Price             *decimal.Decimal `gorm:"type:decimal(28,10)"`
	StopPrice         *decimal.Decimal `gorm:"type:decimal(28,10)"`
	MarketType        MarketType      `gorm:"size:16;not null"`
	Status            OrderStatus     `gorm:"size:20;index:idx_order_sym_status,priority:3;not null"`
	ExchangeOrderID   string          `gorm:"size:100;uniqueIndex;not null"` // PENDING-<uuid> marker or exchange id
	ErrorMessage      string          `gorm:"size:500"`
	CancelAttemptedAt *time.Time      `gorm:"index:idx_order_cancelling"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Order) TableName() string { return "orders" }

// PendingOrder is waiting in the local queue, not yet at the exchange
// (§3 PendingOrder).
type PendingOrder struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID uint            `gorm:"index;not null"`
	AccountID         uint            `gorm:"index:idx_pending_rank,priority:1;not null"`
	Symbol            string          `gorm:"index:idx_pending_rank,priority:2;size:32;not null"`
	Side              Side            `gorm:"size:8;not null"`
	OrderType         OrderType       `gorm:"size:16;not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	Price             *decimal.Decimal `gorm:"type:decimal(28,10)"`
	StopPrice         *decimal.Decimal `gorm:"type:decimal(28,10)"`
	MarketType        MarketType      `gorm:"size:16;not null"`
	Priority          int             `gorm:"index:idx_pending_rank,priority:3;not null"` // smaller = higher
	SortPrice         decimal.Decimal `gorm:"index:idx_pending_rank,priority:4;type:decimal(28,10);not null"`
	CreatedAt         time.Time       `gorm:"index:idx_pending_rank,priority:5"`
	UpdatedAt         time.Time
}

func (PendingOrder) TableName() string { return "pending_orders" }

// FailedOrder is the post-mortem for exchange-rejected orders (§3
// FailedOrder), user-facing via GET/POST /failed-orders.
type FailedOrder struct {
	ID                uint              `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID uint              `gorm:"index;not null"`
	ParamsSnapshot    string            `gorm:"type:text;not null"` // JSON blob of full placement params, for retry
	Reason            string            `gorm:"size:100;not null"`
	ExchangeError     string            `gorm:"size:500"`
	Status            FailedOrderStatus `gorm:"size:16;not null;default:'pending_retry'"`
	RetryCount        int               `gorm:"not null;default:0"` // [0, 5]
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (FailedOrder) TableName() string { return "failed_orders" }

// Trade is written once per ingested fill (fillreconciler.applyFill);
// fills of the same order are not aggregated into one row.
type Trade struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID uint            `gorm:"index;not null"`
	OrderExchangeID   string          `gorm:"size:100;index"`
	Symbol            string          `gorm:"size:32;not null"`
	Side              Side            `gorm:"size:8;not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	AvgPrice          decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	Commission        decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Trade) TableName() string { return "trades" }

// TradeExecution is one per completed fill, unique by ExchangeTradeID so
// replaying the same WS stream twice is a no-op (§8 property 2).
type TradeExecution struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	TradeID           uint            `gorm:"index;not null"`
	ExchangeTradeID   string          `gorm:"uniqueIndex;size:100;not null"`
	Price             decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	Commission        decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	IsMaker           bool            `gorm:"not null;default:false"`
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	CreatedAt         time.Time
}

func (TradeExecution) TableName() string { return "trade_executions" }

// Position is per strategy_account + symbol (§3 Position).
type Position struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	StrategyAccountID uint            `gorm:"uniqueIndex:idx_position_sa_symbol,priority:1;not null"`
	Symbol            string          `gorm:"uniqueIndex:idx_position_sa_symbol,priority:2;size:32;not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"` // signed
	EntryPrice        decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	MarkPrice         decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	UnrealizedPnL     decimal.Decimal `gorm:"type:decimal(28,10);not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Position) TableName() string { return "positions" }

// WebhookAuditLog is a supplemented feature (SPEC_FULL §3): one row per
// received webhook for /failed-orders investigation, grounded on the
// teacher's Alert/Opportunity audit tables.
type WebhookAuditLog struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	GroupName   string `gorm:"index;size:50"`
	BodyHash    string `gorm:"size:64"` // sha256 of the raw request body, not the body itself
	Accepted    bool
	FailReason  string `gorm:"size:200"`
	CreatedAt   time.Time
}

func (WebhookAuditLog) TableName() string { return "webhook_audit_logs" }

// All returns every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Strategy{},
		&Account{},
		&StrategyAccount{},
		&Order{},
		&PendingOrder{},
		&FailedOrder{},
		&Trade{},
		&TradeExecution{},
		&Position{},
		&WebhookAuditLog{},
	}
}
