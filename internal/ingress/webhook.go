package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orchestrator"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/sanitize"
)

// handleWebhook implements §4.1/§4.2/§4.7/§7: always answer 200, classify
// the outcome in the body instead of the status line, since the caller
// is a signal provider (e.g. TradingView) that only inspects 2xx/non-2xx
// to decide whether to retry — and §7 forbids auto-retrying on our side
// for anything but TransientExchange.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONStatus(w, http.StatusOK, map[string]any{"success": false, "error": "failed to read request body"})
		return
	}

	var req router.RawWebhook
	if err := json.Unmarshal(body, &req); err != nil {
		s.auditWebhook(req.GroupName, body, false, "malformed json")
		writeJSONStatus(w, http.StatusOK, map[string]any{"success": false, "error": "malformed json body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HTTPDeadline)
	defer cancel()

	type outcome struct {
		batch *router.Batch
		res   orchestrator.Result
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		batch, err := s.router.Route(req)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		res := s.orch.Dispatch(ctx, batch)
		done <- outcome{batch: batch, res: res}
	}()

	select {
	case <-ctx.Done():
		s.auditWebhook(req.GroupName, body, false, "timeout")
		writeJSONStatus(w, http.StatusOK, map[string]any{"success": false, "timeout": true})
	case out := <-done:
		if out.err != nil {
			s.auditWebhook(req.GroupName, body, false, sanitize.Error(out.err.Error()))
			writeJSONStatus(w, http.StatusOK, map[string]any{"success": false, "error": classifyForCaller(out.err)})
			return
		}
		s.auditWebhook(req.GroupName, body, true, "")
		writeJSONStatus(w, http.StatusOK, map[string]any{
			"success":  true,
			"action":   webhookAction(req),
			"strategy": out.batch.Strategy.GroupName,
			"results":  out.res.Results,
			"summary": map[string]any{
				"total_accounts":    out.res.TotalAccounts,
				"successful_orders": out.res.SuccessfulOrders,
				"failed_orders":     out.res.FailedOrders,
			},
			"performance_metrics": map[string]any{
				"elapsed_ms": time.Since(start).Milliseconds(),
			},
		})
	}
}

// webhookAction echoes back what the caller asked for: the single
// intent's order_type, or "BATCH" when the request carried an "orders"
// array (§4.2 step 5 — batch-ness is keyed on that field's presence,
// not its length).
func webhookAction(req router.RawWebhook) string {
	if req.Orders != nil {
		return "BATCH"
	}
	return strings.ToUpper(strings.TrimSpace(req.OrderType))
}

// classifyForCaller sanitizes an internal error for the webhook JSON
// body: invalid-input/auth/not-found/conflict messages are safe to
// surface verbatim (they describe the caller's own request), everything
// else is reduced to a generic message so exchange/internal detail never
// leaks to a webhook source.
func classifyForCaller(err error) string {
	switch apperr.KindOf(err) {
	case apperr.InvalidInput, apperr.AuthFailure, apperr.NotFound, apperr.Conflict:
		return err.Error()
	default:
		return "internal error processing webhook"
	}
}

func (s *Server) auditWebhook(groupName string, body []byte, accepted bool, failReason string) {
	sum := sha256.Sum256(body)
	entry := &models.WebhookAuditLog{
		GroupName:  groupName,
		BodyHash:   hex.EncodeToString(sum[:]),
		Accepted:   accepted,
		FailReason: failReason,
	}
	if err := s.store.RecordWebhookAudit(entry); err != nil {
		log.Warn().Err(err).Msg("ingress: failed to record webhook audit log")
	}
}
