package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orchestrator"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

type fakeAdapter struct {
	name models.Exchange
}

func (f *fakeAdapter) Name() models.Exchange { return f.name }
func (f *fakeAdapter) CreateOrder(ctx context.Context, creds exchange.Credentials, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	return exchange.PlaceResult{ExchangeOrderID: "EX-1"}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, creds exchange.Credentials, symbol, id string) error {
	return nil
}
func (f *fakeAdapter) FetchOrder(ctx context.Context, creds exchange.Credentials, symbol, id string) (exchange.OrderSnapshot, error) {
	return exchange.OrderSnapshot{}, nil
}
func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, creds exchange.Credentials, symbol string) ([]exchange.OrderSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchBalance(ctx context.Context, creds exchange.Credentials) ([]exchange.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchPositions(ctx context.Context, creds exchange.Credentials) ([]exchange.PositionSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) StreamUserEvents(ctx context.Context, creds exchange.Credentials) (<-chan exchange.UserEvent, error) {
	ch := make(chan exchange.UserEvent)
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) LoadMarkets(ctx context.Context) (map[string]exchange.SymbolRules, error) {
	return map[string]exchange.SymbolRules{
		"BTC/USDT": {MinQty: decimal.NewFromFloat(0.0001), StepSize: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(5)},
	}, nil
}
func (f *fakeAdapter) Sequential() (bool, time.Duration) { return false, 0 }
func (f *fakeAdapter) Normalize(raw []byte) (exchange.UserEvent, bool) { return exchange.UserEvent{}, false }

type fakeSecrets struct{}

func (fakeSecrets) Get(ref string) (secretstore.Credentials, error) {
	return secretstore.Credentials{APIKey: "k", APISecret: "s"}, nil
}

type fakeAccess struct{ store *storage.Store }

func (a fakeAccess) CanAccess(userID, strategyID uint) (bool, error) {
	return a.store.UserCanAccessStrategy(userID, strategyID)
}
func (a fakeAccess) IsActive(strategyID uint) (bool, error) {
	return a.store.StrategyIsActive(strategyID)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return &storage.Store{DB: db}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *models.Strategy, *models.StrategyAccount, *models.Account) {
	t.Helper()
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketSpot, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))

	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, CredentialRef: "ref1", WebhookToken: "tok", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))

	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(10000), Leverage: decimal.NewFromInt(1), MaxSymbols: 50, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	reg := exchange.NewRegistry()
	reg.Register(&fakeAdapter{name: models.ExchangeBinance}, models.MarketSpot)
	catalog := exchange.NewMarketCatalog()
	catalog.Refresh(context.Background(), reg)
	prices := exchange.NewPriceCache()

	engine := orderengine.New(store, reg, fakeSecrets{}, nil)
	rtr := router.New(store)
	orch := orchestrator.New(store, engine, catalog, prices)
	bus := eventbus.New(fakeAccess{store}, 16, 4, 100*time.Millisecond)

	cfg := &config.Config{BindAddr: ":0", HTTPDeadline: 5 * time.Second, SSEHeartbeat: time.Minute}
	csrfKey := make([]byte, 32)
	srv := New(cfg, store, rtr, orch, engine, bus, nil, csrfKey)
	return srv, store, strat, sa, acc
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookSuccess(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	body := `{"group_name":"g1","token":"tok","symbol":"BTC/USDT","side":"buy","order_type":"limit","price":"90000","qty_per":"5"}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	srv.httpSrv.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":true`)
	assert.Contains(t, rr.Body.String(), `"action":"LIMIT"`)
	assert.Contains(t, rr.Body.String(), `"total_accounts":1`)
	assert.Contains(t, rr.Body.String(), `"strategy_account_id"`)
}

func TestWebhookRejectsUnknownStrategy(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	body := `{"group_name":"missing","token":"tok","symbol":"BTC/USDT","side":"buy","order_type":"market","qty_per":"5"}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	srv.httpSrv.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":false`)
}

func TestStreamRequiresUser(t *testing.T) {
	srv, _, strat, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/stream?strategy_id="+itoa(strat.ID), nil)
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSubscriptionStatusRequiresAccess(t *testing.T) {
	srv, _, strat, sa, acc := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/strategies/"+itoa(strat.ID)+"/subscribe/"+itoa(acc.ID)+"/status", nil)
	req.Header.Set("X-User-ID", "1")
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"is_active":true`)
	_ = sa

	// A user who neither owns the strategy nor subscribes to it is refused.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/strategies/"+itoa(strat.ID)+"/subscribe/"+itoa(acc.ID)+"/status", nil)
	req.Header.Set("X-User-ID", "2")
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUnsubscribeRouteRequiresCSRFToken(t *testing.T) {
	srv, _, strat, _, acc := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/strategies/"+itoa(strat.ID)+"/subscribe/"+itoa(acc.ID), nil)
	req.Header.Set("X-User-ID", "1")
	srv.httpSrv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

// TestUnsubscribeWithoutForceRejectsWhenPositioned exercises
// handleUnsubscribe directly, bypassing the CSRF middleware the mux
// route wraps it in, so the business rule under test is the §6 "force=
// false with open positions" rejection, not the CSRF gate.
func TestUnsubscribeWithoutForceRejectsWhenPositioned(t *testing.T) {
	srv, store, strat, sa, acc := newTestServer(t)
	require.NoError(t, store.DB.Create(&models.Position{StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1)}).Error)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/strategies/"+itoa(strat.ID)+"/subscribe/"+itoa(acc.ID), nil)
	req = mux.SetURLVars(req, map[string]string{"id": itoa(strat.ID), "account_id": itoa(acc.ID)})
	req = req.WithContext(context.WithValue(req.Context(), userIDKey, uint(1)))
	srv.handleUnsubscribe(rr, req)
	assert.Equal(t, http.StatusConflict, rr.Code)
}
