package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orderengine"
)

// handleListFailedOrders serves the post-mortem inbox (§6
// GET /failed-orders). An optional ?strategy_account_id= narrows it.
func (s *Server) handleListFailedOrders(w http.ResponseWriter, r *http.Request) {
	var said uint
	if raw := r.URL.Query().Get("strategy_account_id"); raw != "" {
		id, err := pathUintFromQuery(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		said = id
	}

	rows, err := s.store.ListFailedOrders(said)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "list failed orders", err))
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"failed_orders": rows})
}

// handleRetryFailedOrder replays the snapshotted placement params through
// the OrderEngine (§3 FailedOrder "never auto-retried" — this is the
// explicit, user-triggered retry path that exists instead).
func (s *Server) handleRetryFailedOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.store.GetFailedOrder(id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "failed_order not found", err))
		return
	}

	var snap retrySnapshot
	if err := json.Unmarshal([]byte(f.ParamsSnapshot), &snap); err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "decode failed_order params snapshot", err))
		return
	}

	sa, err := s.store.GetStrategyAccount(f.StrategyAccountID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "strategy_account not found", err))
		return
	}
	ok, err := s.store.UserCanAccessStrategy(userFrom(r), sa.StrategyID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "check strategy access", err))
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.AuthFailure, "not authorized for this strategy_account"))
		return
	}
	account, err := s.store.GetAccount(sa.AccountID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "account not found", err))
		return
	}
	strat, err := s.store.GetStrategy(sa.StrategyID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.NotFound, "strategy not found", err))
		return
	}

	qty, err := decimal.NewFromString(snap.Quantity)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "parse snapshot quantity", err))
		return
	}
	price, err := parseOptionalDecimal(snap.Price)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "parse snapshot price", err))
		return
	}
	stopPrice, err := parseOptionalDecimal(snap.StopPrice)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "parse snapshot stop_price", err))
		return
	}

	order, err := s.engine.CreateOrder(r.Context(), account, orderengine.Intent{
		StrategyAccountID: sa.ID,
		Symbol:            snap.Symbol,
		Side:              snap.Side,
		OrderType:         snap.OrderType,
		MarketType:        strat.MarketType,
		Quantity:          qty,
		Price:             price,
		StopPrice:         stopPrice,
	})
	if err != nil {
		f.RetryCount++
		_ = s.store.SaveFailedOrder(f)
		writeError(w, err)
		return
	}

	f.Status = models.FailedOrderRemoved
	f.RetryCount++
	if err := s.store.SaveFailedOrder(f); err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "update failed_order after retry", err))
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"success": true, "order_id": order.ID})
}

// handleDeleteFailedOrder discards a FailedOrder row without retrying it.
func (s *Server) handleDeleteFailedOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteFailedOrder(id); err != nil {
		writeError(w, apperr.Wrap(apperr.InternalBug, "delete failed_order", err))
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"success": true})
}

// retrySnapshot mirrors the JSON shape OrderEngine's intentSnapshot
// persists into FailedOrder.ParamsSnapshot.
type retrySnapshot struct {
	Symbol    string           `json:"symbol"`
	Side      models.Side      `json:"side"`
	OrderType models.OrderType `json:"order_type"`
	Quantity  string           `json:"quantity"`
	Price     *string          `json:"price,omitempty"`
	StopPrice *string          `json:"stop_price,omitempty"`
}

func parseOptionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
