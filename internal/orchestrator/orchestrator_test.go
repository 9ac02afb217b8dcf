package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

type fakeAdapter struct {
	name     models.Exchange
	createFn func(ctx context.Context, creds exchange.Credentials, req exchange.PlaceRequest) (exchange.PlaceResult, error)
}

func (f *fakeAdapter) Name() models.Exchange { return f.name }
func (f *fakeAdapter) CreateOrder(ctx context.Context, creds exchange.Credentials, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	if f.createFn != nil {
		return f.createFn(ctx, creds, req)
	}
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
	return nil, nil
}
func (f *fakeAdapter) Sequential() (bool, time.Duration) { return false, 0 }
func (f *fakeAdapter) Normalize(raw []byte) (exchange.UserEvent, bool) { return exchange.UserEvent{}, false }

type fakeSecrets struct{}

func (fakeSecrets) Get(ref string) (secretstore.Credentials, error) {
	return secretstore.Credentials{APIKey: "k", APISecret: "s"}, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Strategy{}, &models.Account{}, &models.StrategyAccount{},
		&models.Order{}, &models.PendingOrder{}, &models.FailedOrder{},
		&models.Trade{}, &models.TradeExecution{}, &models.Position{},
	))
	return &storage.Store{DB: db}
}

func setupOrchestrator(t *testing.T, adapter exchange.Adapter) (*Orchestrator, *storage.Store, *models.Strategy, *models.StrategyAccount) {
	t.Helper()
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketSpot, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))

	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, CredentialRef: "ref1", WebhookToken: "tok", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))

	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(10000), Leverage: decimal.NewFromInt(1), MaxSymbols: 50, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	reg := exchange.NewRegistry()
	reg.Register(adapter, models.MarketSpot)

	catalog := exchange.NewMarketCatalog() // tests that place an order seed it via refreshCatalogDirectly
	prices := exchange.NewPriceCache()

	engine := orderengine.New(store, reg, fakeSecrets{}, nil)
	orch := New(store, engine, catalog, prices)
	return orch, store, strat, sa
}

func TestDispatchCreatesOrderForActiveAccount(t *testing.T) {
	adapter := &fakeAdapter{name: models.ExchangeBinance}
	orch, store, strat, sa := setupOrchestrator(t, adapter)

	// Seed the catalog directly since the fake adapter's LoadMarkets returns nil.
	refreshCatalogDirectly(t, orch, models.ExchangeBinance, "BTC/USDT", exchange.SymbolRules{
		MinQty: decimal.NewFromFloat(0.0001), StepSize: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(5),
	})

	price := decimal.NewFromInt(90000)
	qtyPer := decimal.NewFromInt(5)
	intent := router.Intent{Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Price: &price, QtyPer: qtyPer}
	batch := &router.Batch{Strategy: strat, Low: []router.Intent{intent}}

	res := orch.Dispatch(context.Background(), batch)
	assert.Equal(t, 1, res.SuccessfulOrders)
	assert.Equal(t, 0, res.FailedOrders)
	assert.Equal(t, 1, res.TotalAccounts)
	require.Len(t, res.Results, 1)
	assert.Equal(t, statusSuccessful, res.Results[0].Status)
	assert.Equal(t, sa.ID, res.Results[0].StrategyAccountID)

	var orders []models.Order
	require.NoError(t, store.DB.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, models.StatusOpen, orders[0].Status)
	assert.Equal(t, sa.ID, orders[0].StrategyAccountID)
}

// TestDispatchSurfacesInactivitySkipInResults exercises the §4.7 step 6
// race guard directly: ActiveSubscribers lists the account (it was
// active at batch start), but it is deactivated before runIntent's
// re-check fires, so the intent must be surfaced as a skip rather than
// counted as a failure.
func TestDispatchSurfacesInactivitySkipInResults(t *testing.T) {
	adapter := &fakeAdapter{name: models.ExchangeBinance}
	orch, store, strat, sa := setupOrchestrator(t, adapter)

	// ActiveSubscribers is queried once at the top of runSubBatch; flip
	// is_active afterward so the account is still handed to a worker but
	// fails runIntent's fresh re-read.
	accounts, err := store.ActiveSubscribers(strat.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	sa.IsActive = false
	require.NoError(t, store.SaveStrategyAccount(sa))

	price := decimal.NewFromInt(90000)
	qtyPer := decimal.NewFromInt(5)
	intent := router.Intent{Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Price: &price, QtyPer: qtyPer}
	batch := &router.Batch{Strategy: strat, Low: []router.Intent{intent}}

	res := Result{}
	res.add(orch.runAccount(context.Background(), strat, accounts[0], batch.Low))
	assert.Equal(t, 0, res.SuccessfulOrders)
	assert.Equal(t, 0, res.FailedOrders)
	require.Len(t, res.Results, 1)
	assert.Equal(t, statusSkipped, res.Results[0].Status)
	assert.Equal(t, skipReasonInactive, res.Results[0].SkipReason)
}

func TestDispatchSkipsInactiveAccount(t *testing.T) {
	adapter := &fakeAdapter{name: models.ExchangeBinance}
	orch, store, strat, sa := setupOrchestrator(t, adapter)
	sa.IsActive = false
	require.NoError(t, store.SaveStrategyAccount(sa))

	price := decimal.NewFromInt(90000)
	qtyPer := decimal.NewFromInt(5)
	intent := router.Intent{Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Price: &price, QtyPer: qtyPer}
	batch := &router.Batch{Strategy: strat, Low: []router.Intent{intent}}

	res := orch.Dispatch(context.Background(), batch)
	assert.Equal(t, 0, res.SuccessfulOrders)
	assert.Equal(t, 0, res.FailedOrders)
}

func TestDispatchRunsLowEvenWhenHighAccountListEmpty(t *testing.T) {
	adapter := &fakeAdapter{name: models.ExchangeBinance}
	orch, store, strat, _ := setupOrchestrator(t, adapter)
	refreshCatalogDirectly(t, orch, models.ExchangeBinance, "BTC/USDT", exchange.SymbolRules{
		MinQty: decimal.NewFromFloat(0.0001), StepSize: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(5),
	})

	price := decimal.NewFromInt(90000)
	qtyPer := decimal.NewFromInt(5)
	low := router.Intent{Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Price: &price, QtyPer: qtyPer}
	batch := &router.Batch{Strategy: strat, High: nil, Low: []router.Intent{low}}

	res := orch.Dispatch(context.Background(), batch)
	assert.Equal(t, 1, res.SuccessfulOrders)

	var count int64
	store.DB.Model(&models.Order{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// refreshCatalogDirectly bypasses adapter.LoadMarkets (the fake returns
// nil) and pokes the rules the test needs straight into the catalog via
// one real Refresh + a adapter override is unnecessary; instead this
// directly exercises MarketCatalog's exported surface through a tiny
// registry trick: register a second adapter whose LoadMarkets returns the
// desired table, refresh, then the original registry's accounts still
// resolve through the same adapter instance for order placement.
func refreshCatalogDirectly(t *testing.T, orch *Orchestrator, ex models.Exchange, symbol string, rules exchange.SymbolRules) {
	t.Helper()
	seedReg := exchange.NewRegistry()
	seedReg.Register(&seedAdapter{
		fakeAdapter: fakeAdapter{name: ex},
		rules:       map[string]exchange.SymbolRules{symbol: rules},
	}, models.MarketSpot)
	orch.catalog.Refresh(context.Background(), seedReg)
}

type seedAdapter struct {
	fakeAdapter
	rules map[string]exchange.SymbolRules
}

func (s *seedAdapter) LoadMarkets(ctx context.Context) (map[string]exchange.SymbolRules, error) {
	return s.rules, nil
}
