// Package exchange implements the §4.8 ExchangeAdapter capability set, a
// registry that maps (exchange, market_type) to a concrete Adapter with no
// call-site branching (§9 "Dynamic dispatch" design note), the shared
// MarketCatalog/PrecisionProvider, and a per-(exchange,endpoint) rate
// limiter.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/models"
)

// PlaceRequest is the canonical order-placement request every Adapter
// accepts, independent of the exchange's native wire schema.
type PlaceRequest struct {
	Symbol    string // canonical BASE/QUOTE form, e.g. "BTC/USDT"
	Side      models.Side
	OrderType models.OrderType
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	StopPrice *decimal.Decimal
}

// PlaceResult is what a successful CreateOrder call returns.
type PlaceResult struct {
	ExchangeOrderID string
}

// OrderSnapshot is the canonical representation of an order as reported
// by FetchOrder/FetchOpenOrders.
type OrderSnapshot struct {
	ExchangeOrderID string
	Symbol          string
	Status          models.OrderStatus
	FilledQuantity  decimal.Decimal
}

// TradeFill is one normalized fill, carrying the exchange's own trade id
// for the §8 fill-idempotency dedup key.
type TradeFill struct {
	ExchangeTradeID string
	ExchangeOrderID string
	Symbol          string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	IsMaker         bool
}

// PositionSnapshot is the canonical representation of an exchange-side
// position (FUTURES only; SPOT/STOCK adapters return none).
type PositionSnapshot struct {
	Symbol     string
	Quantity   decimal.Decimal // signed
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// UserEvent is what StreamUserEvents emits: either an order-state update
// or a fill, normalized to the canonical shapes above (§4.5 step 1).
type UserEvent struct {
	Order *OrderSnapshot
	Fill  *TradeFill
}

// Balance is a single asset balance.
type Balance struct {
	Asset     string
	Free      decimal.Decimal
	Locked    decimal.Decimal
}

// SymbolRules is the precision/limits contract for one symbol, cached in
// MarketCatalog (§4.8 "Symbol validation & precision").
type SymbolRules struct {
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Adapter is the single-shape interface every exchange integration
// implements (§4.8).
type Adapter interface {
	Name() models.Exchange

	CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) error
	FetchOrder(ctx context.Context, creds Credentials, symbol, exchangeOrderID string) (OrderSnapshot, error)
	FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error)
	FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error)
	FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error)
	FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error)

	// StreamUserEvents opens a new user-data WebSocket connection for the
	// account on each call and returns a channel of normalized events. The
	// channel is closed when ctx is cancelled.
	StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error)

	// Normalize converts one raw user-data payload, in this exchange's own
	// wire format, into the canonical UserEvent shape (§4.8: "Normalize(raw)
	// → {Order|Trade|Position}"). It is the same parse StreamUserEvents
	// already applies to every frame it reads, exposed as a standalone
	// operation so a raw payload can be normalized outside that stream
	// (e.g. a reconciliation path replaying a captured frame). The bool is
	// false when raw carries nothing the canonical shapes represent.
	Normalize(raw []byte) (UserEvent, bool)

	// LoadMarkets warms the in-memory catalog for every symbol the
	// exchange lists (§4.8 "warmed at startup and refreshed hourly").
	LoadMarkets(ctx context.Context) (map[string]SymbolRules, error)

	// Sequential reports whether calls against this adapter must be
	// serialized with a minimum spacing (Upbit: one in flight, >=125ms).
	Sequential() (serialize bool, minSpacing time.Duration)
}

// Credentials mirrors secretstore.Credentials field for field as a
// separate type, so this package does not import secretstore; callers
// copy the fields across before calling an adapter.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}
