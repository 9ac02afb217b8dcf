// Package queue implements the §4.4 QueueScheduler: a once-per-second
// tick that, for every (account, symbol) pair touched by an active or
// pending order, re-ranks both sets together and promotes/demotes rows
// across the PENDING/live boundary under per-key locking. It is
// grounded on the teacher's core/engine.go tick-routing dispatch
// (periodic re-evaluation of "what should be live right now"), replacing
// that file's arbitrage-opportunity ranking with the priority/sort_price
// ranking of spec §4.4.
package queue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/clock"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/storage"
)

// ExchangeLimits is the per-(exchange, market_type, symbol) cap table
// QueueScheduler reads to size each side's live slot count.
type ExchangeLimits struct {
	MaxPerSide            int
	MaxConditionalPerSide int // the exchange's own ceiling on STOP-type live orders
}

// LimitsProvider resolves ExchangeLimits; production wiring in
// cmd/gateway uses a StaticLimits table.
type LimitsProvider interface {
	Limits(ex models.Exchange, marketType models.MarketType, symbol string) ExchangeLimits
}

// StaticLimits is a fixed-table LimitsProvider, adequate until a given
// deployment needs per-symbol overrides.
type StaticLimits struct {
	Default ExchangeLimits
}

func (s StaticLimits) Limits(models.Exchange, models.MarketType, string) ExchangeLimits {
	return s.Default
}

// TickResult is the §4.4 step-7 consolidated metric.
type TickResult struct {
	CancelledN int
	PromotedN  int
	Elapsed    time.Duration
}

// Scheduler runs the QueueScheduler tick.
type Scheduler struct {
	store    *storage.Store
	engine   *orderengine.Engine
	registry *exchange.Registry
	limits   LimitsProvider
	stopRatio decimal.Decimal
	clock    clock.Clock

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex
}

func New(store *storage.Store, engine *orderengine.Engine, registry *exchange.Registry, limits LimitsProvider, stopRatio decimal.Decimal, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		store: store, engine: engine, registry: registry, limits: limits,
		stopRatio: stopRatio, clock: clk, keys: make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) keyMutex(accountID uint, symbol string) *sync.Mutex {
	key := keyString(accountID, symbol)
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	m, ok := s.keys[key]
	if !ok {
		m = &sync.Mutex{}
		s.keys[key] = m
	}
	return m
}

func keyString(accountID uint, symbol string) string {
	return fmt.Sprintf("%d|%s", accountID, symbol)
}

// Tick runs one full scheduler pass over every touched (account, symbol)
// pair, rebalancing each independently and concurrently.
func (s *Scheduler) Tick(ctx context.Context) ([]TickResult, error) {
	pairs, err := s.store.TouchedAccountSymbols()
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalBug, "list touched account/symbol pairs", err)
	}

	results := make([]TickResult, len(pairs))
	var wg sync.WaitGroup
	for i, pair := range pairs {
		wg.Add(1)
		go func(i int, pair storage.AccountSymbol) {
			defer wg.Done()
			res, err := s.RebalanceKey(ctx, pair.AccountID, pair.Symbol)
			if err != nil {
				log.Error().Err(err).Uint("account_id", pair.AccountID).Str("symbol", pair.Symbol).Msg("queue rebalance failed")
				return
			}
			results[i] = res
		}(i, pair)
	}
	wg.Wait()
	return results, nil
}

type rankedRow struct {
	source       string // "active" or "pending"
	order        *models.Order
	pendingOrder *models.PendingOrder
	side         models.Side
	orderType    models.OrderType
	priority     int
	sortPrice    decimal.Decimal
	createdAt    time.Time
}

// RebalanceKey implements §4.4 steps 1-7 for a single (account, symbol).
func (s *Scheduler) RebalanceKey(ctx context.Context, accountID uint, symbol string) (TickResult, error) {
	start := s.clock.Now()
	mu := s.keyMutex(accountID, symbol)
	mu.Lock()
	defer mu.Unlock()

	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return TickResult{}, apperr.Wrap(apperr.InternalBug, "load account for rebalance", err)
	}

	activeOrders, err := s.store.ActiveOrdersByAccountSymbol(accountID, symbol)
	if err != nil {
		return TickResult{}, apperr.Wrap(apperr.InternalBug, "load active orders", err)
	}
	pendingOrders, err := s.store.PendingOrdersFor(accountID, symbol)
	if err != nil {
		return TickResult{}, apperr.Wrap(apperr.InternalBug, "load pending orders", err)
	}

	buy, sell := rankRows(activeOrders, pendingOrders)

	limits := s.limits.Limits(account.Exchange, account.MarketType, symbol)
	maxStop := stopCap(limits)

	chosenBuy := selectSide(buy, limits.MaxPerSide, maxStop)
	chosenSell := selectSide(sell, limits.MaxPerSide, maxStop)
	chosen := make(map[*rankedRow]bool, len(chosenBuy)+len(chosenSell))
	for _, r := range chosenBuy {
		chosen[r] = true
	}
	for _, r := range chosenSell {
		chosen[r] = true
	}

	cancelled, promoted := s.sync(ctx, account, append(append([]*rankedRow{}, buy...), sell...), chosen)

	return TickResult{CancelledN: cancelled, PromotedN: promoted, Elapsed: s.clock.Since(start)}, nil
}

func rankRows(active []models.Order, pending []models.PendingOrder) (buy, sell []*rankedRow) {
	for i := range active {
		o := &active[i]
		r := &rankedRow{
			source: "active", order: o, side: o.Side, orderType: o.OrderType,
			priority:  0, // already-live rows default to the most-favored priority tier; see DESIGN.md
			sortPrice: models.DeriveSortPrice(o.Side, o.OrderType, o.Price, o.StopPrice),
			createdAt: o.CreatedAt,
		}
		appendBySide(&buy, &sell, r)
	}
	for i := range pending {
		p := &pending[i]
		r := &rankedRow{
			source: "pending", pendingOrder: p, side: p.Side, orderType: p.OrderType,
			priority: p.Priority, sortPrice: p.SortPrice, createdAt: p.CreatedAt,
		}
		appendBySide(&buy, &sell, r)
	}

	sortSide(buy)
	sortSide(sell)
	return buy, sell
}

func appendBySide(buy, sell *[]*rankedRow, r *rankedRow) {
	if r.side == models.SideBuy {
		*buy = append(*buy, r)
	} else {
		*sell = append(*sell, r)
	}
}

// sortSide applies the §4.4 step-3 ordering: (priority asc, sort_price
// desc, created_at asc). Ties broken by older created_at.
func sortSide(rows []*rankedRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].priority != rows[j].priority {
			return rows[i].priority < rows[j].priority
		}
		if !rows[i].sortPrice.Equal(rows[j].sortPrice) {
			return rows[i].sortPrice.GreaterThan(rows[j].sortPrice)
		}
		return rows[i].createdAt.Before(rows[j].createdAt)
	})
}

// stopCap is §4.4 step 4: max_stop_per_side = min(ceil(max_per_side *
// ratio), exchange_conditional_cap, max_per_side), floored at 1. The
// ratio is fixed at 0.25 here; the Scheduler's stopRatio (from the
// stop_allocation_ratio setting) is stored but never read.
func stopCap(limits ExchangeLimits) int {
	ratio := 0.25
	capped := int(math.Ceil(float64(limits.MaxPerSide) * ratio))
	if limits.MaxConditionalPerSide > 0 && limits.MaxConditionalPerSide < capped {
		capped = limits.MaxConditionalPerSide
	}
	if capped > limits.MaxPerSide {
		capped = limits.MaxPerSide
	}
	if capped < 1 {
		capped = 1
	}
	return capped
}

func isStopType(t models.OrderType) bool {
	return t == models.OrderStopLimit || t == models.OrderStopMarket
}

// selectSide implements §4.4 step 5: greedily take the top max_per_side
// from one side's ranked list, respecting the STOP sub-cap.
func selectSide(rows []*rankedRow, maxPerSide, maxStopPerSide int) []*rankedRow {
	var chosen []*rankedRow
	stopTaken := 0
	for _, r := range rows {
		if len(chosen) >= maxPerSide {
			break
		}
		if isStopType(r.orderType) {
			if stopTaken >= maxStopPerSide {
				continue
			}
			stopTaken++
		}
		chosen = append(chosen, r)
	}
	return chosen
}

// sync implements §4.4 step 6: cancel+demote active rows that fell out
// of the chosen set, and promote+delete pending rows that entered it.
func (s *Scheduler) sync(ctx context.Context, account *models.Account, all []*rankedRow, chosen map[*rankedRow]bool) (cancelledN, promotedN int) {
	for _, r := range all {
		if chosen[r] {
			if r.source == "pending" {
				if s.promote(ctx, account, r.pendingOrder) {
					promotedN++
				}
			}
			continue
		}
		if r.source == "active" {
			if s.demote(ctx, account, r.order) {
				cancelledN++
			}
		}
		// pending rows not chosen simply remain in PendingOrder, retried next tick.
	}
	return cancelledN, promotedN
}

func (s *Scheduler) promote(ctx context.Context, account *models.Account, p *models.PendingOrder) bool {
	_, err := s.engine.CreateOrder(ctx, account, orderengine.Intent{
		StrategyAccountID: p.StrategyAccountID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		MarketType:        p.MarketType,
		Quantity:          p.Quantity,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
	})
	if err != nil {
		log.Warn().Err(err).Uint("pending_order_id", p.ID).Msg("queue promotion failed, retrying next tick")
		return false
	}
	if err := s.store.DeletePendingOrder(p.ID); err != nil {
		log.Error().Err(err).Uint("pending_order_id", p.ID).Msg("failed to delete promoted pending order")
	}
	return true
}

func (s *Scheduler) demote(ctx context.Context, account *models.Account, o *models.Order) bool {
	if err := s.engine.CancelOrder(ctx, account, o); err != nil {
		log.Warn().Err(err).Uint("order_id", o.ID).Msg("queue demotion cancel failed, leaving order active")
		return false
	}
	demoted := &models.PendingOrder{
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         account.ID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Quantity:          o.Quantity,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		MarketType:        o.MarketType,
		Priority:          0,
		SortPrice:         models.DeriveSortPrice(o.Side, o.OrderType, o.Price, o.StopPrice),
	}
	if err := s.store.CreatePendingOrder(demoted); err != nil {
		log.Error().Err(err).Uint("order_id", o.ID).Msg("failed to demote cancelled order into pending queue")
		return false
	}
	if err := s.store.DeleteOrder(o.ID); err != nil {
		log.Error().Err(err).Uint("order_id", o.ID).Msg("failed to delete demoted order row")
	}
	return true
}
