// Package orchestrator implements §4.7: fan a routed sub-batch out across
// every active StrategyAccount of a strategy with a bounded worker pool,
// isolating one account's failure from the rest. It is grounded on the
// teacher's core/engine.go processTick/executeSignal dispatch shape,
// generalized from "one market tick → every subscribed strategy" to "one
// routed intent sub-batch → every active account of one strategy."
package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/storage"
)

const maxWorkers = 10

// AccountResult is one (account, intent) outcome, the unit §4.7 step 6
// means by "surface it in results" — in particular the
// strategy_account_inactive skip carries no other visible trace once
// the batch finishes, so every attempt gets its own row here.
type AccountResult struct {
	StrategyAccountID uint   `json:"strategy_account_id"`
	AccountID         uint   `json:"account_id"`
	Symbol            string `json:"symbol"`
	OrderType         string `json:"order_type"`
	Status            string `json:"status"` // successful | failed | skipped
	SkipReason        string `json:"skip_reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

const (
	statusSuccessful = "successful"
	statusFailed     = "failed"
	statusSkipped    = "skipped"
)

// skipReasonInactive is the §4.7 step 6 distinctive skip reason.
const skipReasonInactive = "strategy_account_inactive"

// Result is the §4.7 best-effort contract surfaced back to the webhook
// caller: every account's outcome is counted, none block the others.
type Result struct {
	TotalAccounts    int
	SuccessfulOrders int
	FailedOrders     int
	Results          []AccountResult
}

func (r *Result) add(other Result) {
	r.SuccessfulOrders += other.SuccessfulOrders
	r.FailedOrders += other.FailedOrders
	r.Results = append(r.Results, other.Results...)
	if other.TotalAccounts > r.TotalAccounts {
		r.TotalAccounts = other.TotalAccounts
	}
}

// Orchestrator wires storage, the OrderEngine, and the shared market/price
// caches together to execute one routed Batch.
type Orchestrator struct {
	store   *storage.Store
	engine  *orderengine.Engine
	catalog *exchange.MarketCatalog
	prices  *exchange.PriceCache
}

func New(store *storage.Store, engine *orderengine.Engine, catalog *exchange.MarketCatalog, prices *exchange.PriceCache) *Orchestrator {
	return &Orchestrator{store: store, engine: engine, catalog: catalog, prices: prices}
}

// Dispatch runs a routed Batch's HIGH sub-batch to completion, then its LOW
// sub-batch — always, even if HIGH failed for some or all accounts (§4.2
// step 6 / §4.7: "LOW still runs even if HIGH's transaction failed").
func (o *Orchestrator) Dispatch(ctx context.Context, batch *router.Batch) Result {
	var total Result
	total.add(o.runSubBatch(ctx, batch.Strategy, batch.High))
	total.add(o.runSubBatch(ctx, batch.Strategy, batch.Low))
	return total
}

// runSubBatch resolves every active StrategyAccount for the strategy and
// fans the sub-batch's intents out across them with a pool of
// min(maxWorkers, account_count) goroutines. One account's intents run
// sequentially within the worker that picks the account up; with more
// than maxWorkers accounts a worker handles several accounts one after
// another, so an account can wait behind another account's latency.
func (o *Orchestrator) runSubBatch(ctx context.Context, strat *models.Strategy, intents []router.Intent) Result {
	if len(intents) == 0 {
		return Result{}
	}

	accounts, err := o.store.ActiveSubscribers(strat.ID)
	if err != nil {
		log.Error().Err(err).Uint("strategy_id", strat.ID).Msg("orchestrator: failed to resolve active strategy accounts")
		return Result{}
	}
	if len(accounts) == 0 {
		return Result{}
	}

	workers := len(accounts)
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan models.StrategyAccount)
	var mu sync.Mutex
	total := Result{TotalAccounts: len(accounts)}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sa := range jobs {
				r := o.runAccount(ctx, strat, sa, intents)
				mu.Lock()
				total.add(r)
				mu.Unlock()
			}
		}()
	}
	for _, sa := range accounts {
		jobs <- sa
	}
	close(jobs)
	wg.Wait()

	return total
}

// runAccount executes every intent in the sub-batch against one account,
// in array order. §4.7's "own DB transaction" is a logical unit here: the
// exchange round-trip inside OrderEngine.CreateOrder/CancelOrder is
// already DB-first (the Order row predates the call), so wrapping the
// network call itself in a SQL transaction would only hold a DB
// connection across exchange latency for no correctness benefit.
func (o *Orchestrator) runAccount(ctx context.Context, strat *models.Strategy, sa models.StrategyAccount, intents []router.Intent) Result {
	var res Result
	for _, intent := range intents {
		ar := AccountResult{StrategyAccountID: sa.ID, AccountID: sa.AccountID, Symbol: intent.Symbol, OrderType: string(intent.OrderType)}
		skipped, err := o.runIntent(ctx, strat, sa, intent)
		switch {
		case skipped:
			ar.Status = statusSkipped
			ar.SkipReason = skipReasonInactive
		case err != nil:
			ar.Status = statusFailed
			ar.Error = err.Error()
			res.FailedOrders++
			log.Warn().Err(err).Uint("strategy_account_id", sa.ID).Str("symbol", intent.Symbol).
				Str("order_type", string(intent.OrderType)).Msg("orchestrator: intent failed for account")
		default:
			ar.Status = statusSuccessful
			res.SuccessfulOrders++
		}
		res.Results = append(res.Results, ar)
	}
	return res
}

// runIntent re-checks the account's activity immediately before the
// exchange call (§4.7's inactivity race guard), then dispatches by
// order_type. The bool return is the step-6 inactivity skip, kept
// distinct from a genuine failure so callers can surface it as
// skip_reason rather than counting it against failed_orders.
func (o *Orchestrator) runIntent(ctx context.Context, strat *models.Strategy, sa models.StrategyAccount, intent router.Intent) (bool, error) {
	fresh, err := o.store.GetStrategyAccount(sa.ID)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalBug, "reload strategy_account before dispatch", err)
	}
	if !fresh.IsActive {
		return true, nil
	}

	account, err := o.store.GetAccount(fresh.AccountID)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalBug, "load account for strategy_account", err)
	}

	switch intent.OrderType {
	case models.OrderCancelAllOrder:
		return false, o.cancelAll(ctx, account, fresh, intent.Symbol, nil)
	case models.OrderCancel:
		return false, o.cancelAll(ctx, account, fresh, intent.Symbol, &intent.Side)
	default:
		return false, o.createOrder(ctx, strat, account, fresh, intent)
	}
}

// cancelAll cancels every active order on (strategy_account, symbol),
// optionally narrowed to one side — CANCEL_ALL_ORDER passes side=nil;
// CANCEL narrows to the intent's own side, since the webhook schema
// carries no explicit order id to target a single order.
func (o *Orchestrator) cancelAll(ctx context.Context, account *models.Account, sa *models.StrategyAccount, symbol string, side *models.Side) error {
	orders, err := o.store.ActiveOrdersFor(sa.ID, symbol)
	if err != nil {
		return apperr.Wrap(apperr.InternalBug, "load active orders to cancel", err)
	}
	var firstErr error
	for i := range orders {
		order := &orders[i]
		if side != nil && order.Side != *side {
			continue
		}
		if err := o.engine.CancelOrder(ctx, account, order); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// createOrder sizes the intent against the account's capital weight and
// current position, then places it via the OrderEngine.
func (o *Orchestrator) createOrder(ctx context.Context, strat *models.Strategy, account *models.Account, sa *models.StrategyAccount, intent router.Intent) error {
	rules, err := o.catalog.Rules(account.Exchange, intent.Symbol)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "symbol rules unavailable", err)
	}

	pos, err := o.store.GetOrCreatePosition(nil, sa.ID, intent.Symbol)
	if err != nil {
		return apperr.Wrap(apperr.InternalBug, "load position for sizing", err)
	}

	priceHint := o.priceHint(intent, account.Exchange)

	qty, err := orderengine.Size(orderengine.SizeRequest{
		QtyPer:    intent.QtyPer,
		Side:      intent.Side,
		Capital:   sa.Weight,
		Position:  pos,
		Rules:     rules,
		PriceHint: priceHint,
	})
	if err != nil {
		return err
	}

	_, err = o.engine.CreateOrder(ctx, account, orderengine.Intent{
		StrategyAccountID: sa.ID,
		Symbol:            intent.Symbol,
		Side:              intent.Side,
		OrderType:         intent.OrderType,
		MarketType:        strat.MarketType,
		Quantity:          qty,
		Price:             intent.Price,
		StopPrice:         intent.StopPrice,
	})
	return err
}

// priceHint implements §4.3.6's "webhook-provided price first, then price
// cache" rule, returning the zero value when neither is available (the
// sizer then skips the min_notional check rather than rejecting blind).
func (o *Orchestrator) priceHint(intent router.Intent, ex models.Exchange) decimal.Decimal {
	if intent.Price != nil {
		return *intent.Price
	}
	price, err := o.prices.Price(ex, intent.Symbol)
	if err != nil {
		return decimal.Zero
	}
	return price
}
