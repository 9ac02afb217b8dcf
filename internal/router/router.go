// Package router implements the §4.2 SignalRouter: normalize, strategy
// lookup, token auth, per-order-type param validation, and priority
// batch split. It is grounded on the teacher's core/router.go
// subscription-lookup-and-dispatch shape — there a market tick is routed
// to every subscribed strategy; here a webhook intent is routed to one
// resolved strategy and split into the Orchestrator's priority batches.
package router

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/storage"
)

// maxBatchIntents is the §4.2 step-6 hard cap. A request over the cap is
// rejected outright rather than silently truncated — silent truncation
// would place orders the caller never intended to lose.
const maxBatchIntents = 30

// RawIntent mirrors one element of a webhook's "orders" array, or the
// top-level single-intent fields when the request isn't a batch.
type RawIntent struct {
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	OrderType string           `json:"order_type"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
	QtyPer    *decimal.Decimal `json:"qty_per,omitempty"`
}

// RawWebhook is the full decoded POST /webhook body. Orders is a pointer
// so the §4.2 step-5 "batch iff the key `orders` is present" rule can be
// checked by nil-ness rather than by a derived flag.
type RawWebhook struct {
	GroupName string `json:"group_name"`
	Token     string `json:"token"`
	RawIntent        // single-intent fields, flattened by anonymous embedding
	Orders    *[]RawIntent `json:"orders,omitempty"`
}

// Intent is one validated, normalized order instruction, ready for the
// Orchestrator to size and dispatch per account.
type Intent struct {
	Symbol    string
	Side      models.Side
	OrderType models.OrderType
	Price     *decimal.Decimal
	StopPrice *decimal.Decimal
	QtyPer    decimal.Decimal
}

// Batch is the routed, split result of one webhook request.
type Batch struct {
	Strategy *models.Strategy
	High     []Intent // {CANCEL_ALL_ORDER, MARKET}
	Low      []Intent // {LIMIT, STOP_LIMIT, STOP_MARKET, CANCEL}
}

// highPriority is the §4.2 step-6 HIGH class.
var highPriority = map[models.OrderType]bool{
	models.OrderCancelAllOrder: true,
	models.OrderMarket:         true,
}

// Router is the stateless SignalRouter; all persistent lookups go
// through the injected Store.
type Router struct {
	store *storage.Store
}

func New(store *storage.Store) *Router {
	return &Router{store: store}
}

// Route runs every §4.2 gate in order and returns the resulting Batch, or
// the first failing gate's error.
func (r *Router) Route(req RawWebhook) (*Batch, error) {
	groupName := strings.TrimSpace(req.GroupName)
	token := strings.TrimSpace(req.Token)
	if groupName == "" || token == "" {
		return nil, apperr.New(apperr.InvalidInput, "group_name and token are required")
	}

	strat, err := r.store.GetStrategyByGroupName(groupName)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "strategy not found for group_name", err)
	}
	if !strat.IsActive {
		return nil, apperr.New(apperr.InvalidInput, "strategy is not active")
	}

	validTokens, err := r.store.ValidTokensForStrategy(strat)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "resolve valid tokens", err)
	}
	if _, ok := validTokens[token]; !ok {
		return nil, apperr.New(apperr.AuthFailure, "token not authorized for this strategy")
	}

	raw := r.rawIntents(req)
	if len(raw) > maxBatchIntents {
		return nil, apperr.New(apperr.InvalidInput, "batch exceeds the 30-intent cap")
	}

	batch := &Batch{Strategy: strat}
	for _, ri := range raw {
		intent, err := normalizeAndValidate(ri)
		if err != nil {
			return nil, err
		}
		if highPriority[intent.OrderType] {
			batch.High = append(batch.High, intent)
		} else {
			batch.Low = append(batch.Low, intent)
		}
	}
	return batch, nil
}

// rawIntents implements §4.2 step 5: a request is a batch iff the body
// contains the "orders" key, independent of its length (including zero).
func (r *Router) rawIntents(req RawWebhook) []RawIntent {
	if req.Orders != nil {
		return *req.Orders
	}
	return []RawIntent{req.RawIntent}
}

// normalizeAndValidate implements §4.2 steps 1 and 4: trim/uppercase/
// canonicalize, then check the per-order-type price/stop_price table.
func normalizeAndValidate(ri RawIntent) (Intent, error) {
	orderType := models.OrderType(strings.ToUpper(strings.TrimSpace(ri.OrderType)))
	side, err := normalizeSide(ri.Side)
	if err != nil {
		return Intent{}, err
	}
	symbol := canonicalizeSymbol(ri.Symbol)

	intent := Intent{
		Symbol:    symbol,
		Side:      side,
		OrderType: orderType,
		Price:     ri.Price,
		StopPrice: ri.StopPrice,
	}
	if ri.QtyPer != nil {
		intent.QtyPer = *ri.QtyPer
	}

	switch orderType {
	case models.OrderLimit:
		if intent.Price == nil {
			return Intent{}, apperr.New(apperr.InvalidInput, "LIMIT requires price")
		}
		if intent.StopPrice != nil {
			return Intent{}, apperr.New(apperr.InvalidInput, "LIMIT forbids stop_price")
		}
	case models.OrderStopLimit, models.OrderStopMarket:
		if intent.Price == nil || intent.StopPrice == nil {
			return Intent{}, apperr.New(apperr.InvalidInput, "STOP_LIMIT/STOP_MARKET require both price and stop_price")
		}
	case models.OrderMarket:
		// price is optional (sizing hint only); stop_price is dropped
		// with a warning rather than rejected — it has no meaning for a
		// MARKET order but isn't worth failing the whole intent over.
		if intent.StopPrice != nil {
			log.Warn().Str("symbol", symbol).Msg("router: stop_price has no meaning for MARKET, dropped")
			intent.StopPrice = nil
		}
	case models.OrderCancel, models.OrderCancelAllOrder:
		// no price fields apply
	default:
		return Intent{}, apperr.New(apperr.InvalidInput, "unsupported order_type: "+string(orderType))
	}

	return intent, nil
}

func normalizeSide(raw string) (models.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return models.SideBuy, nil
	case "sell":
		return models.SideSell, nil
	default:
		return "", apperr.New(apperr.InvalidInput, "side must be buy or sell")
	}
}

// canonicalizeSymbol upper-cases and ensures BASE/QUOTE form, tolerating
// inputs that already use the canonical separator or omit it entirely
// (e.g. "btcusdt" has no unambiguous split point and is passed through
// upper-cased; exchange adapters reject anything they cannot map).
func canonicalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, "_", "/")
	return s
}
