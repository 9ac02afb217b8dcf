package fillreconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
)

const pollTimeout = 10 * time.Second

// Poll runs the §4.5 REST-fallback pass: every active account's
// exchange-side open orders are diffed against the local Order rows.
// This is the safety net behind the WS path, not a replacement for it —
// it catches missed messages, stream drops, and fills that happened
// while no connection was open.
func (r *Reconciler) Poll(ctx context.Context) (int, error) {
	accountIDs, err := r.store.ActiveAccountIDs()
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalBug, "list active accounts for poll", err)
	}

	reconciled := 0
	for _, id := range accountIDs {
		account, err := r.store.GetAccount(id)
		if err != nil {
			log.Warn().Err(err).Uint("account_id", id).Msg("fillreconciler: poll skipped, account lookup failed")
			continue
		}
		n, err := r.pollAccount(ctx, account)
		if err != nil {
			log.Warn().Err(err).Uint("account_id", id).Msg("fillreconciler: poll failed for account")
			continue
		}
		reconciled += n
	}
	return reconciled, nil
}

// pollAccount diffs one account's exchange-side open orders against its
// local active Order rows (§4.5 REST fallback's three branches).
func (r *Reconciler) pollAccount(ctx context.Context, account *models.Account) (int, error) {
	adapter, err := r.registry.Get(account.Exchange, account.MarketType)
	if err != nil {
		return 0, err
	}
	creds, err := r.secrets.Get(account.CredentialRef)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	remote, err := adapter.FetchOpenOrders(callCtx, toAdapterCreds(creds), "")
	if err != nil {
		return 0, apperr.Wrap(apperr.KindOf(err), "fetch open orders for reconciliation poll", err)
	}
	remoteByID := make(map[string]exchange.OrderSnapshot, len(remote))
	for _, snap := range remote {
		remoteByID[snap.ExchangeOrderID] = snap
	}

	local, err := r.store.ActiveOrdersByAccount(account.ID)
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalBug, "load local active orders for reconciliation poll", err)
	}
	localByID := make(map[string]*models.Order, len(local))
	for i := range local {
		localByID[local[i].ExchangeOrderID] = &local[i]
	}

	touched := 0

	// DB-only non-terminal: re-fetch at the REST API and apply the
	// resulting state, terminal or not.
	for id, order := range localByID {
		if _, stillOpen := remoteByID[id]; stillOpen {
			continue
		}
		snap, err := adapter.FetchOrder(callCtx, toAdapterCreds(creds), order.Symbol, id)
		if err != nil {
			log.Warn().Err(err).Str("exchange_order_id", id).Msg("fillreconciler: poll re-fetch failed, leaving order as-is")
			continue
		}
		if err := r.applyToOrder(account, order, snap); err != nil {
			log.Warn().Err(err).Str("exchange_order_id", id).Msg("fillreconciler: poll failed to apply re-fetched state")
			continue
		}
		touched++
	}

	// exchange-only and filled_quantity drift: bring the DB in line.
	for id, snap := range remoteByID {
		order, tracked := localByID[id]
		if !tracked {
			// An exchange-only order has no local StrategyAccountID to
			// attribute it to (the exchange API reports neither the
			// gateway's strategy nor account scoping), so it cannot be
			// safely materialized as an owned Order row; surfacing it here
			// only as a loud warning is the documented limitation (see
			// DESIGN.md's fillreconciler note) rather than a silent guess.
			log.Warn().Str("exchange_order_id", id).Str("symbol", snap.Symbol).Uint("account_id", account.ID).
				Msg("fillreconciler: poll found an exchange-side order with no local tracking")
			continue
		}
		if !order.FilledQuantity.Equal(snap.FilledQuantity) {
			if err := r.applyToOrder(account, order, snap); err != nil {
				log.Warn().Err(err).Str("exchange_order_id", id).Msg("fillreconciler: poll failed to apply filled-quantity drift")
				continue
			}
			touched++
		}
	}

	return touched, nil
}
