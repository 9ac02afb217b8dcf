// Package ingress implements §6's HTTP surface: the webhook entrypoint,
// the SSE event stream, strategy-account subscription management, the
// failed-orders inbox, and the three health probes. It is grounded on
// alanyoungcy-polymarketbot's internal/server/server.go for the
// http.Server/middleware/graceful-shutdown shape — that repo is the only
// one in the pack with an HTTP gateway at all, the teacher itself runs no
// server. gorilla/mux replaces its bare http.ServeMux since the route set
// here needs path variables ({id}, {account_id}).
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/notify"
	"github.com/web3guy0/polybot/internal/orchestrator"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/storage"
)

// Server wires every ingress handler to its dependencies and owns the
// underlying http.Server's lifecycle.
type Server struct {
	cfg    *config.Config
	store  *storage.Store
	router *router.Router
	orch   *orchestrator.Orchestrator
	engine *orderengine.Engine
	bus    *eventbus.Bus
	notify *notify.Notifier

	httpSrv *http.Server
}

// New builds the full route table. csrfKey must be 32 bytes; it protects
// the failed-orders write endpoints (§6) via gorilla/csrf's double-submit
// cookie. n may be nil (Telegram alerting is optional).
func New(cfg *config.Config, store *storage.Store, rtr *router.Router, orch *orchestrator.Orchestrator, engine *orderengine.Engine, bus *eventbus.Bus, n *notify.Notifier, csrfKey []byte) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		router: rtr,
		orch:   orch,
		engine: engine,
		bus:    bus,
		notify: n,
	}

	r := mux.NewRouter()
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(requireUser)
	authed.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)
	authed.HandleFunc("/strategies/{id}/subscribe/{account_id}/status", s.handleSubscriptionStatus).Methods(http.MethodGet)
	authed.HandleFunc("/failed-orders", s.handleListFailedOrders).Methods(http.MethodGet)

	// Mutating routes get both auth and CSRF; registered on their own
	// subrouter so the CSRF middleware only wraps these handlers.
	writes := authed.NewRoute().Subrouter()
	writes.Use(csrf.Protect(csrfKey, csrf.Path("/"), csrf.Secure(false)))
	writes.HandleFunc("/failed-orders/{id}/retry", s.handleRetryFailedOrder).Methods(http.MethodPost)
	writes.HandleFunc("/failed-orders/{id}", s.handleDeleteFailedOrder).Methods(http.MethodDelete)
	writes.HandleFunc("/strategies/{id}/subscribe/{account_id}", s.handleUnsubscribe).Methods(http.MethodDelete)

	s.httpSrv = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it fails or is shut down; callers run
// it in its own goroutine (teacher convention: cmd/polybot/main.go's
// `go telegramBot.Start()`).
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.BindAddr).Msg("ingress: listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// userIDKey is the request-context key requireUser populates from the
// X-User-ID header. The spec leaves the caller-identity scheme for
// non-webhook routes unspecified (only the webhook token is normative);
// a header is the simplest mechanism that satisfies "requires auth"
// without inventing a session/login system nothing else in this gateway
// needs.
type ctxKey int

const userIDKey ctxKey = 0

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		id, err := strconv.ParseUint(raw, 10, 64)
		if raw == "" || err != nil {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"error": "X-User-ID header required"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, uint(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) uint {
	id, _ := r.Context().Value(userIDKey).(uint)
	return id
}

func pathUint(r *http.Request, key string) (uint, error) {
	raw := mux.Vars(r)[key]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.InvalidInput, "invalid "+key+" path parameter")
	}
	return uint(id), nil
}

func pathUintFromQuery(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.InvalidInput, "invalid strategy_account_id query parameter")
	}
	return uint(id), nil
}

// statusFor maps an apperr.Kind to the §7 propagation policy's HTTP
// status for every non-webhook route (the webhook handler has its own
// always-200 contract and does not use this).
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.AuthFailure:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Rejected, apperr.FatalExchange:
		return http.StatusUnprocessableEntity
	case apperr.TransientExchange:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, statusFor(apperr.KindOf(err)), map[string]any{"error": err.Error()})
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("ingress: failed to encode response body")
	}
}
