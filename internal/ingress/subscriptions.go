package ingress

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orderengine"
)

func (s *Server) loadStrategyAccount(r *http.Request) (*models.Strategy, *models.StrategyAccount, *models.Account, error) {
	strategyID, err := pathUint(r, "id")
	if err != nil {
		return nil, nil, nil, err
	}
	accountID, err := pathUint(r, "account_id")
	if err != nil {
		return nil, nil, nil, err
	}

	ok, err := s.store.UserCanAccessStrategy(userFrom(r), strategyID)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.InternalBug, "check strategy access", err)
	}
	if !ok {
		return nil, nil, nil, apperr.New(apperr.AuthFailure, "not authorized for this strategy")
	}

	strat, err := s.store.GetStrategy(strategyID)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.NotFound, "strategy not found", err)
	}
	sa, err := s.store.GetStrategyAccountByPair(strategyID, accountID)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.NotFound, "strategy_account not found", err)
	}
	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.NotFound, "account not found", err)
	}
	return strat, sa, account, nil
}

// handleSubscriptionStatus implements the §6 status endpoint.
func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	_, sa, _, err := s.loadStrategyAccount(r)
	if err != nil {
		writeError(w, err)
		return
	}

	positions, err := s.store.ListPositionsByStrategyAccount(sa.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "load positions", err))
		return
	}
	orders, err := s.store.ActiveOrdersByStrategyAccounts([]uint{sa.ID})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "load active orders", err))
		return
	}

	symbolSet := make(map[string]struct{})
	for _, p := range positions {
		symbolSet[p.Symbol] = struct{}{}
	}
	for _, o := range orders {
		symbolSet[o.Symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}

	writeJSONStatus(w, http.StatusOK, map[string]any{
		"active_positions": len(positions),
		"open_orders":      len(orders),
		"symbols":          symbols,
		"is_active":        sa.IsActive,
	})
}

// handleUnsubscribe implements the §6 unsubscribe endpoint. force=false
// rejects when the account still holds positions; force=true runs the
// §8 S6 seven-step cleanup, collecting (not halting on) each step's
// failures.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	strat, sa, account, err := s.loadStrategyAccount(r)
	if err != nil {
		writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	positions, err := s.store.ListPositionsByStrategyAccount(sa.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "load positions", err))
		return
	}

	if !force {
		if len(positions) > 0 {
			writeError(w, apperr.New(apperr.Conflict, "account has active positions; retry with force=true"))
			return
		}
		if err := s.store.DeleteStrategyAccount(sa.ID); err != nil {
			writeError(w, apperr.Wrap(apperr.InternalBug, "delete strategy_account", err))
			return
		}
		writeJSONStatus(w, http.StatusOK, map[string]any{"success": true, "forced": false})
		return
	}

	var failures []string

	// 1. deactivate and persist immediately so the orchestrator's
	// inactivity re-check (§4.7) stops routing new intents to it.
	sa.IsActive = false
	if err := s.store.SaveStrategyAccount(sa); err != nil {
		failures = append(failures, "deactivate: "+err.Error())
	}

	// 2. cancel every active order.
	orders, err := s.store.ActiveOrdersByStrategyAccounts([]uint{sa.ID})
	if err != nil {
		failures = append(failures, "load active orders: "+err.Error())
	}
	for i := range orders {
		if err := s.engine.CancelOrder(r.Context(), account, &orders[i]); err != nil {
			failures = append(failures, "cancel order "+orders[i].ExchangeOrderID+": "+err.Error())
		}
	}

	// 3. verify zero open orders remain; a residual is logged, not fatal.
	remaining, err := s.store.ActiveOrdersByStrategyAccounts([]uint{sa.ID})
	if err == nil && len(remaining) > 0 {
		failures = append(failures, "orders still open after cancel_all")
	}

	// 4. close every non-zero position at market.
	for _, pos := range positions {
		if pos.Quantity.IsZero() {
			continue
		}
		side := models.SideSell
		if pos.Quantity.IsNegative() {
			side = models.SideBuy
		}
		_, err := s.engine.CreateOrder(r.Context(), account, orderengine.Intent{
			StrategyAccountID: sa.ID,
			Symbol:            pos.Symbol,
			Side:              side,
			OrderType:         models.OrderMarket,
			MarketType:        strat.MarketType,
			Quantity:          pos.Quantity.Abs(),
		})
		if err != nil {
			failures = append(failures, "close position "+pos.Symbol+": "+err.Error())
		}
	}

	// 5. disconnect the account owner's SSE stream.
	s.bus.DisconnectAll(account.OwnerUserID, strat.ID, eventbus.ReasonPermissionRevoked)

	// 6. failures already collected above; log and alert on each.
	for _, f := range failures {
		log.Warn().Uint("strategy_account_id", sa.ID).Str("failure", f).Msg("ingress: force-unsubscribe step failed")
		s.notify.CleanupFailure(sa.ID, "force_unsubscribe", f)
	}

	// 7. delete the StrategyAccount row.
	if err := s.store.DeleteStrategyAccount(sa.ID); err != nil {
		failures = append(failures, "delete strategy_account: "+err.Error())
	}

	writeJSONStatus(w, http.StatusOK, map[string]any{
		"success":  len(failures) == 0,
		"forced":   true,
		"failures": failures,
	})
}
