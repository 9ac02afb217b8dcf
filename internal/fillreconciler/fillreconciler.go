// Package fillreconciler implements the §4.5 FillReconciler: a WS-first,
// REST-fallback convergence loop that keeps Order/Position/Trade rows in
// sync with exchange-side order state. It is grounded on the teacher's
// execution/reconciler.go startup-recovery scan (load persisted state,
// verify against the authoritative source, resolve drift) generalized
// from a one-shot startup pass to two always-running ingestion paths.
package fillreconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/clock"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

const verifyTimeout = 5 * time.Second

// Reconciler owns both ingestion paths for every account with at least
// one live subscription.
type Reconciler struct {
	store    *storage.Store
	registry *exchange.Registry
	secrets  secretstore.Store
	bus      *eventbus.Bus
	clock    clock.Clock

	mu   sync.Mutex
	subs map[uint]*accountSub // keyed by account id
}

type accountSub struct {
	cancel  context.CancelFunc
	symbols map[string]int // one account-wide ref count under the key ""; not counted per symbol
}

func New(store *storage.Store, registry *exchange.Registry, secrets secretstore.Store, bus *eventbus.Bus, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Reconciler{store: store, registry: registry, secrets: secrets, bus: bus, clock: clk, subs: make(map[uint]*accountSub)}
}

// Subscribe increments the account's ref count, starting the account's
// user-data WebSocket on the first subscriber. Exchange user streams are
// account-wide (not per-symbol), so the count is kept per account only:
// the first call for an account opens the connection and later calls
// simply bump the count.
func (r *Reconciler) Subscribe(account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[account.ID]
	if ok {
		sub.symbols[""]++ // account-level connection; symbol key unused beyond the count
		return nil
	}

	adapter, err := r.registry.Get(account.Exchange, account.MarketType)
	if err != nil {
		return apperr.Wrap(apperr.InternalBug, "no adapter for account stream", err)
	}
	creds, err := r.secrets.Get(account.CredentialRef)
	if err != nil {
		return apperr.Wrap(apperr.AuthFailure, "credential lookup for account stream", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := adapter.StreamUserEvents(ctx, toAdapterCreds(creds))
	if err != nil {
		cancel()
		return apperr.Wrap(apperr.TransientExchange, "open user event stream", err)
	}

	r.subs[account.ID] = &accountSub{cancel: cancel, symbols: map[string]int{"": 1}}
	go r.pump(account, events)
	return nil
}

// Unsubscribe decrements the ref count, closing the WebSocket at zero.
func (r *Reconciler) Unsubscribe(accountID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[accountID]
	if !ok {
		return
	}
	sub.symbols[""]--
	if sub.symbols[""] <= 0 {
		sub.cancel()
		delete(r.subs, accountID)
	}
}

func (r *Reconciler) pump(account *models.Account, events <-chan exchange.UserEvent) {
	for ev := range events {
		if err := r.handleEvent(account, ev); err != nil {
			log.Warn().Err(err).Uint("account_id", account.ID).Msg("fillreconciler: failed to process user event, skipping")
		}
	}
}

// handleEvent implements §4.5 WS path steps 2-5. Each event gets its own
// short-lived DB scope; a bad message is logged and skipped rather than
// killing the stream.
func (r *Reconciler) handleEvent(account *models.Account, ev exchange.UserEvent) error {
	if ev.Order != nil {
		if err := r.applyOrderSnapshot(account, *ev.Order); err != nil {
			return err
		}
	}
	if ev.Fill != nil {
		if err := r.applyFill(account, *ev.Fill); err != nil {
			return err
		}
	}
	return nil
}

// applyOrderSnapshot resolves a normalized order update to the local
// Order row, re-verifying terminal transitions at the REST API before
// accepting them (§4.5 step 3 "trustworthiness").
func (r *Reconciler) applyOrderSnapshot(account *models.Account, snap exchange.OrderSnapshot) error {
	order, err := r.store.GetOrderByExchangeID(snap.ExchangeOrderID)
	if err != nil {
		// Not a row we are tracking (e.g. a manual order on the exchange);
		// it is ignored here, and the REST fallback's exchange-only branch
		// only logs such orders.
		return nil
	}

	if isTerminal(snap.Status) {
		verified, err := r.verifyTerminal(account, order.Symbol, snap.ExchangeOrderID)
		if err != nil {
			log.Warn().Err(err).Str("exchange_order_id", snap.ExchangeOrderID).Msg("fillreconciler: terminal verification failed, deferring to next poll")
			return nil
		}
		snap = verified
	}

	return r.applyToOrder(account, order, snap)
}

// verifyTerminal re-fetches an order at the REST API with a bounded
// timeout before a terminal state is trusted (§4.5 step 3).
func (r *Reconciler) verifyTerminal(account *models.Account, symbol, exchangeOrderID string) (exchange.OrderSnapshot, error) {
	adapter, err := r.registry.Get(account.Exchange, account.MarketType)
	if err != nil {
		return exchange.OrderSnapshot{}, err
	}
	creds, err := r.secrets.Get(account.CredentialRef)
	if err != nil {
		return exchange.OrderSnapshot{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	return adapter.FetchOrder(ctx, toAdapterCreds(creds), symbol, exchangeOrderID)
}

// applyToOrder writes the resolved snapshot to the Order row, finalizing
// (order_update event + row deletion) on terminal states. Trades and
// positions are written by applyFill, not here.
func (r *Reconciler) applyToOrder(account *models.Account, order *models.Order, snap exchange.OrderSnapshot) error {
	if !isTerminal(snap.Status) {
		order.Status = snap.Status
		order.FilledQuantity = snap.FilledQuantity
		return r.store.SaveOrder(order)
	}

	order.Status = snap.Status
	order.FilledQuantity = snap.FilledQuantity
	if err := r.store.SaveOrder(order); err != nil {
		return apperr.Wrap(apperr.InternalBug, "persist terminal order status", err)
	}

	r.emitOrderUpdate(order)

	if err := r.store.DeleteOrder(order.ID); err != nil {
		log.Error().Err(err).Uint("order_id", order.ID).Msg("fillreconciler: failed to delete terminal order row")
	}
	return nil
}

// applyFill implements §4.5 step 4: TradeExecution dedup insert, one
// Trade row per fill, and the signed Position update with zero-cross
// splitting. A fill whose exchange_trade_id is already recorded is
// skipped whole, so a replayed fill changes nothing.
func (r *Reconciler) applyFill(account *models.Account, fill exchange.TradeFill) error {
	order, err := r.store.GetOrderByExchangeID(fill.ExchangeOrderID)
	if err != nil {
		return nil // fill for an order this gateway isn't tracking
	}

	return r.store.WithTx(func(tx *gorm.DB) error {
		if fill.ExchangeTradeID != "" {
			var seen int64
			if err := tx.Model(&models.TradeExecution{}).Where("exchange_trade_id = ?", fill.ExchangeTradeID).Count(&seen).Error; err != nil {
				return apperr.Wrap(apperr.InternalBug, "check trade execution dedup", err)
			}
			if seen > 0 {
				return nil // replayed fill, already applied
			}
		}

		trade := &models.Trade{
			StrategyAccountID: order.StrategyAccountID,
			OrderExchangeID:   fill.ExchangeOrderID,
			Symbol:            fill.Symbol,
			Side:              order.Side,
			Quantity:          fill.Quantity,
			AvgPrice:          fill.Price,
			Commission:        fill.Commission,
		}
		if err := r.store.CreateTrade(tx, trade); err != nil {
			return apperr.Wrap(apperr.InternalBug, "create trade", err)
		}

		exec := &models.TradeExecution{
			TradeID:         trade.ID,
			ExchangeTradeID: fill.ExchangeTradeID,
			Price:           fill.Price,
			Quantity:        fill.Quantity,
			Commission:      fill.Commission,
			IsMaker:         fill.IsMaker,
		}
		if err := r.store.CreateTradeExecution(tx, exec); err != nil {
			return apperr.Wrap(apperr.InternalBug, "create trade execution", err)
		}

		pos, err := r.store.GetOrCreatePosition(tx, order.StrategyAccountID, fill.Symbol)
		if err != nil {
			return apperr.Wrap(apperr.InternalBug, "load position for fill", err)
		}
		applySignedFill(pos, order.Side, fill.Quantity, fill.Price)
		if err := r.store.SavePosition(tx, pos); err != nil {
			return apperr.Wrap(apperr.InternalBug, "persist position after fill", err)
		}
		r.emitPositionUpdate(order.StrategyAccountID, pos)
		return nil
	})
}

// applySignedFill applies one fill to a position's signed quantity and
// weighted-average entry price (§4.5 step 4 "signed addition; zero-cross
// splits into close + open at new side"). BUY adds to quantity, SELL
// subtracts. A fill that crosses zero closes the existing side entirely
// and opens a fresh position at the fill price for the remainder — the
// entry price is never averaged across a sign change.
func applySignedFill(pos *models.Position, side models.Side, qty, price decimal.Decimal) {
	delta := qty
	if side == models.SideSell {
		delta = qty.Neg()
	}
	updatedQty := pos.Quantity.Add(delta)

	switch {
	case pos.Quantity.IsZero():
		pos.EntryPrice = price
	case crossesZero(pos.Quantity, updatedQty):
		pos.EntryPrice = price
	case sameSign(pos.Quantity, delta):
		// Adding to an existing position: weighted-average the entry price.
		oldNotional := pos.Quantity.Abs().Mul(pos.EntryPrice)
		addedNotional := delta.Abs().Mul(price)
		totalQty := pos.Quantity.Abs().Add(delta.Abs())
		if !totalQty.IsZero() {
			pos.EntryPrice = oldNotional.Add(addedNotional).Div(totalQty)
		}
	// Reducing toward (but not through) zero: entry price is unchanged.
	}
	pos.Quantity = updatedQty
}

func crossesZero(before, after decimal.Decimal) bool {
	if before.IsZero() || after.IsZero() {
		return false
	}
	return before.Sign() != after.Sign()
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign()
}

func isTerminal(status models.OrderStatus) bool {
	switch status {
	case models.StatusFilled, models.StatusCancelled, models.StatusRejected, models.StatusExpired:
		return true
	default:
		return false
	}
}

func toAdapterCreds(c secretstore.Credentials) exchange.Credentials {
	return exchange.Credentials{APIKey: c.APIKey, APISecret: c.APISecret, Passphrase: c.Passphrase}
}

func (r *Reconciler) emitOrderUpdate(order *models.Order) {
	if r.bus == nil {
		return
	}
	sa, err := r.store.GetStrategyAccount(order.StrategyAccountID)
	if err != nil {
		log.Warn().Err(err).Uint("order_id", order.ID).Msg("fillreconciler: order_update emit: strategy_account lookup failed")
		return
	}
	recipients, err := r.store.SubscriberUserIDs(sa.StrategyID)
	if err != nil {
		log.Warn().Err(err).Uint("strategy_id", sa.StrategyID).Msg("fillreconciler: order_update emit: subscriber resolution failed")
		return
	}
	r.bus.Broadcast(recipients, sa.StrategyID, eventbus.Event{Type: eventbus.EventOrderUpdate, Data: order})
}

func (r *Reconciler) emitPositionUpdate(strategyAccountID uint, pos *models.Position) {
	if r.bus == nil {
		return
	}
	sa, err := r.store.GetStrategyAccount(strategyAccountID)
	if err != nil {
		log.Warn().Err(err).Uint("strategy_account_id", strategyAccountID).Msg("fillreconciler: position_update emit: strategy_account lookup failed")
		return
	}
	recipients, err := r.store.SubscriberUserIDs(sa.StrategyID)
	if err != nil {
		log.Warn().Err(err).Uint("strategy_id", sa.StrategyID).Msg("fillreconciler: position_update emit: subscriber resolution failed")
		return
	}
	r.bus.Broadcast(recipients, sa.StrategyID, eventbus.Event{Type: eventbus.EventPositionUpdate, Data: pos})
}
