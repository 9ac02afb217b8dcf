// Package orderengine implements the §4.3 OrderEngine: the DB-first
// create/cancel state machine, the orphan/cancel sweepers, and the
// quantity sizer. It is the hard part, grounded on the teacher's
// execution.Executor submit/ack/fill state machine (execution/executor.go)
// and execution.Reconciler startup-recovery scan (execution/reconciler.go),
// generalized from Polymarket's binary YES/NO outcome orders to the
// exchange-agnostic PlaceRequest shape in internal/exchange.
package orderengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/clock"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/sanitize"
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

const (
	pendingMarkerPrefix = "PENDING-"
	orphanAfter         = 120 * time.Second
	cancelStuckAfter    = 120 * time.Second
)

// Intent is everything the engine needs to place one order, independent
// of whether it originates from the webhook router or the queue
// scheduler's promotion path.
type Intent struct {
	StrategyAccountID uint
	Symbol            string
	Side              models.Side
	OrderType         models.OrderType
	MarketType        models.MarketType
	Quantity          decimal.Decimal
	Price             *decimal.Decimal
	StopPrice         *decimal.Decimal
}

// Engine wires storage, the exchange registry, and the secret store
// together to implement the DB-first state machine.
type Engine struct {
	store    *storage.Store
	registry *exchange.Registry
	secrets  secretstore.Store
	clock    clock.Clock
	bus      *eventbus.Bus // optional; nil disables event emission (e.g. in tests)
}

func New(store *storage.Store, registry *exchange.Registry, secrets secretstore.Store, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: store, registry: registry, secrets: secrets, clock: clk}
}

// WithEventBus attaches the bus used to emit order_update events to the
// owning strategy's (owner + active subscriber) streams after every
// create/cancel transition.
func (e *Engine) WithEventBus(bus *eventbus.Bus) *Engine {
	e.bus = bus
	return e
}

// emitOrderUpdate resolves order's owning strategy and broadcasts an
// order_update event to every authorized stream (§4.5 step 5). Resolution
// failures are logged and swallowed — a missed SSE push never blocks the
// DB-first state machine.
func (e *Engine) emitOrderUpdate(order *models.Order) {
	if e.bus == nil {
		return
	}
	sa, err := e.store.GetStrategyAccount(order.StrategyAccountID)
	if err != nil {
		log.Warn().Err(err).Uint("order_id", order.ID).Msg("order_update emit: strategy_account lookup failed")
		return
	}
	recipients, err := e.store.SubscriberUserIDs(sa.StrategyID)
	if err != nil {
		log.Warn().Err(err).Uint("strategy_id", sa.StrategyID).Msg("order_update emit: subscriber resolution failed")
		return
	}
	e.bus.Broadcast(recipients, sa.StrategyID, eventbus.Event{Type: eventbus.EventOrderUpdate, Data: order})
}

func newPendingMarker() string {
	return pendingMarkerPrefix + uuid.NewString()
}

// CreateOrder runs the §4.3.2 DB-first create flow: insert PENDING,
// call the exchange, then resolve to OPEN or FAILED in a single follow-up
// transaction. The Order row predates the exchange call in every case —
// there is never an exchange-side order with no local tracking.
func (e *Engine) CreateOrder(ctx context.Context, account *models.Account, intent Intent) (*models.Order, error) {
	order := &models.Order{
		StrategyAccountID: intent.StrategyAccountID,
		Symbol:            intent.Symbol,
		Side:              intent.Side,
		OrderType:         intent.OrderType,
		Quantity:          intent.Quantity,
		Price:             intent.Price,
		StopPrice:         intent.StopPrice,
		MarketType:        intent.MarketType,
		Status:            models.StatusPending,
		ExchangeOrderID:   newPendingMarker(),
	}
	if err := e.store.CreateOrder(order); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "insert pending order", err)
	}

	adapter, err := e.registry.Get(account.Exchange, account.MarketType)
	if err != nil {
		e.failOrder(order, "no adapter registered", err)
		return order, nil
	}
	creds, err := e.secrets.Get(account.CredentialRef)
	if err != nil {
		e.failOrder(order, "credential lookup failed", err)
		return order, nil
	}

	result, createErr := adapter.CreateOrder(ctx, toAdapterCreds(creds), exchange.PlaceRequest{
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		OrderType: intent.OrderType,
		Quantity:  intent.Quantity,
		Price:     intent.Price,
		StopPrice: intent.StopPrice,
	})
	if createErr != nil {
		e.failOrder(order, "exchange create order failed", createErr)
		return order, nil
	}

	order.Status = models.StatusOpen
	order.ExchangeOrderID = result.ExchangeOrderID
	if err := e.store.SaveOrder(order); err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "persist opened order", err)
	}
	e.emitOrderUpdate(order)
	return order, nil
}

func (e *Engine) failOrder(order *models.Order, reason string, cause error) {
	sanitized := sanitize.Error(cause.Error())
	order.Status = models.StatusFailed
	order.ErrorMessage = sanitized
	paramsJSON := intentSnapshot(order)
	failed := &models.FailedOrder{
		StrategyAccountID: order.StrategyAccountID,
		ParamsSnapshot:    paramsJSON,
		Reason:            reason,
		ExchangeError:     sanitized,
		Status:            models.FailedOrderPendingRetry,
	}
	if err := e.store.WithTx(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Create(failed).Error
	}); err != nil {
		log.Error().Err(err).Uint("order_id", order.ID).Msg("failed to persist FAILED order state and FailedOrder row")
	}
	e.emitOrderUpdate(order)
}

// CancelOrder runs the §4.3.3 symmetric DB-first cancel flow.
func (e *Engine) CancelOrder(ctx context.Context, account *models.Account, order *models.Order) error {
	now := e.clock.Now()
	order.Status = models.StatusCancelling
	order.CancelAttemptedAt = &now
	if err := e.store.SaveOrder(order); err != nil {
		return apperr.Wrap(apperr.InternalBug, "mark order cancelling", err)
	}

	adapter, err := e.registry.Get(account.Exchange, account.MarketType)
	if err != nil {
		return e.restoreOpen(order, err)
	}
	creds, err := e.secrets.Get(account.CredentialRef)
	if err != nil {
		return e.restoreOpen(order, err)
	}

	if err := adapter.CancelOrder(ctx, toAdapterCreds(creds), order.Symbol, order.ExchangeOrderID); err != nil {
		return e.restoreOpen(order, err)
	}

	order.Status = models.StatusCancelled
	if err := e.store.SaveOrder(order); err != nil {
		return apperr.Wrap(apperr.InternalBug, "persist cancelled order", err)
	}
	e.emitOrderUpdate(order)
	return nil
}

func (e *Engine) restoreOpen(order *models.Order, cause error) error {
	order.Status = models.StatusOpen
	order.ErrorMessage = sanitize.Error(cause.Error())
	if err := e.store.SaveOrder(order); err != nil {
		return apperr.Wrap(apperr.InternalBug, "restore order to OPEN after cancel failure", err)
	}
	e.emitOrderUpdate(order)
	return apperr.Wrap(apperr.KindOf(cause), "cancel failed, order restored to OPEN", cause)
}

// SweepOrphans implements §4.3.4: rows stuck in PENDING longer than 120s
// (a crash between create-flow step 1 and step 3) are failed out.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-orphanAfter)
	stuck, err := e.store.StuckPending(cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalBug, "query stuck pending orders", err)
	}
	for i := range stuck {
		order := &stuck[i]
		order.Status = models.StatusFailed
		order.ErrorMessage = "stuck in PENDING > 120s"
		if err := e.store.SaveOrder(order); err != nil {
			log.Error().Err(err).Uint("order_id", order.ID).Msg("failed to fail orphaned order")
			continue
		}
		e.store.CreateFailedOrder(&models.FailedOrder{
			StrategyAccountID: order.StrategyAccountID,
			ParamsSnapshot:    intentSnapshot(order),
			Reason:            "orphan sweep",
			ExchangeError:     order.ErrorMessage,
			Status:            models.FailedOrderPendingRetry,
		})
	}
	return len(stuck), nil
}

// SweepStuckCancels implements §4.3.3's background sweep: CANCELLING
// rows older than 120s are re-queried once at the exchange and resolved
// to CANCELLED or restored to OPEN accordingly.
func (e *Engine) SweepStuckCancels(ctx context.Context, resolve func(order *models.Order) (models.OrderStatus, error)) (int, error) {
	cutoff := e.clock.Now().Add(-cancelStuckAfter)
	stuck, err := e.store.StuckCancelling(cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalBug, "query stuck cancelling orders", err)
	}
	for i := range stuck {
		order := &stuck[i]
		status, resolveErr := resolve(order)
		if resolveErr != nil {
			log.Warn().Err(resolveErr).Uint("order_id", order.ID).Msg("cancel-sweep re-query failed, leaving CANCELLING")
			continue
		}
		order.Status = status
		if err := e.store.SaveOrder(order); err != nil {
			log.Error().Err(err).Uint("order_id", order.ID).Msg("failed to persist cancel-sweep resolution")
		}
	}
	return len(stuck), nil
}

func toAdapterCreds(c secretstore.Credentials) exchange.Credentials {
	return exchange.Credentials{APIKey: c.APIKey, APISecret: c.APISecret, Passphrase: c.Passphrase}
}

func intentSnapshot(order *models.Order) string {
	type snapshot struct {
		Symbol    string           `json:"symbol"`
		Side      models.Side      `json:"side"`
		OrderType models.OrderType `json:"order_type"`
		Quantity  string           `json:"quantity"`
		Price     *string          `json:"price,omitempty"`
		StopPrice *string          `json:"stop_price,omitempty"`
	}
	s := snapshot{Symbol: order.Symbol, Side: order.Side, OrderType: order.OrderType, Quantity: order.Quantity.String()}
	if order.Price != nil {
		p := order.Price.String()
		s.Price = &p
	}
	if order.StopPrice != nil {
		p := order.StopPrice.String()
		s.StopPrice = &p
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// WithTx exposes the underlying store's transaction helper. The
// orchestrator does not call it; runAccount wraps no SQL transaction
// around a create/cancel call.
func (e *Engine) WithTx(fn func(tx *gorm.DB) error) error {
	return e.store.WithTx(fn)
}
