package main

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
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

func TestCatalogCronExprTranslatesHourlyShorthand(t *testing.T) {
	assert.Equal(t, "15 * * * *", catalogCronExpr("hourly:15"))
	assert.Equal(t, "0 * * * *", catalogCronExpr("hourly:0"))
}

func TestCatalogCronExprPassesThroughRawExpression(t *testing.T) {
	assert.Equal(t, "*/30 * * * *", catalogCronExpr("*/30 * * * *"))
}

type resolverAdapter struct {
	snap      exchange.OrderSnapshot
	err       error
	positions []exchange.PositionSnapshot
	ticker    decimal.Decimal
	markets   map[string]exchange.SymbolRules
}

func (r *resolverAdapter) Name() models.Exchange { return models.ExchangeBinance }
func (r *resolverAdapter) CreateOrder(ctx context.Context, creds exchange.Credentials, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	return exchange.PlaceResult{}, nil
}
func (r *resolverAdapter) CancelOrder(ctx context.Context, creds exchange.Credentials, symbol, id string) error {
	return nil
}
func (r *resolverAdapter) FetchOrder(ctx context.Context, creds exchange.Credentials, symbol, id string) (exchange.OrderSnapshot, error) {
	return r.snap, r.err
}
func (r *resolverAdapter) FetchOpenOrders(ctx context.Context, creds exchange.Credentials, symbol string) ([]exchange.OrderSnapshot, error) {
	return nil, nil
}
func (r *resolverAdapter) FetchBalance(ctx context.Context, creds exchange.Credentials) ([]exchange.Balance, error) {
	return nil, nil
}
func (r *resolverAdapter) FetchPositions(ctx context.Context, creds exchange.Credentials) ([]exchange.PositionSnapshot, error) {
	return r.positions, nil
}
func (r *resolverAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return r.ticker, nil
}
func (r *resolverAdapter) StreamUserEvents(ctx context.Context, creds exchange.Credentials) (<-chan exchange.UserEvent, error) {
	ch := make(chan exchange.UserEvent)
	close(ch)
	return ch, nil
}
func (r *resolverAdapter) LoadMarkets(ctx context.Context) (map[string]exchange.SymbolRules, error) {
	return r.markets, nil
}
func (r *resolverAdapter) Sequential() (bool, time.Duration) { return false, 0 }
func (r *resolverAdapter) Normalize(raw []byte) (exchange.UserEvent, bool) { return exchange.UserEvent{}, false }

type resolverSecrets struct{}

func (resolverSecrets) Get(ref string) (secretstore.Credentials, error) {
	return secretstore.Credentials{APIKey: "k", APISecret: "s"}, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return &storage.Store{DB: db}
}

func TestStuckCancelResolverResolvesCancelledFromExchange(t *testing.T) {
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketSpot, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))
	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, CredentialRef: "ref1", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))
	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), MaxSymbols: 10, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	reg := exchange.NewRegistry()
	reg.Register(&resolverAdapter{snap: exchange.OrderSnapshot{Status: models.StatusCancelled}}, models.MarketSpot)

	resolve := stuckCancelResolver(store, reg, resolverSecrets{})

	order := &models.Order{StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Quantity: decimal.NewFromInt(1), Status: models.StatusCancelling, ExchangeOrderID: "EX-1"}
	status, err := resolve(order)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status)
}

// TestMarkPositionsMarksSpotPositionFromPriceCache exercises the spot
// path: FetchPositions has nothing to say about spot, so the mark price
// comes from the shared PriceCache, warmed here via one real Refresh
// against the fake adapter's ticker.
func TestMarkPositionsMarksSpotPositionFromPriceCache(t *testing.T) {
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketSpot, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))
	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, CredentialRef: "ref1", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))
	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), MaxSymbols: 10, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	pos := &models.Position{StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(90000)}
	require.NoError(t, store.DB.Create(pos).Error)

	adapter := &resolverAdapter{
		ticker:  decimal.NewFromInt(91000),
		markets: map[string]exchange.SymbolRules{"BTC/USDT": {}},
	}
	reg := exchange.NewRegistry()
	reg.Register(adapter, models.MarketSpot)
	catalog := exchange.NewMarketCatalog()
	catalog.Refresh(context.Background(), reg)
	prices := exchange.NewPriceCache()
	prices.Refresh(context.Background(), reg, catalog)

	require.NoError(t, markPositions(context.Background(), store, reg, resolverSecrets{}, prices))

	var saved models.Position
	require.NoError(t, store.DB.First(&saved, pos.ID).Error)
	assert.True(t, saved.MarkPrice.Equal(decimal.NewFromInt(91000)))
	assert.True(t, saved.UnrealizedPnL.Equal(decimal.NewFromInt(2000)))
}

// TestMarkPositionsMarksFuturesPositionFromAdapterSnapshot exercises the
// futures path: the adapter's own FetchPositions already carries an
// exchange-reported mark price, which takes priority over the PriceCache.
func TestMarkPositionsMarksFuturesPositionFromAdapterSnapshot(t *testing.T) {
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketFutures, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))
	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketFutures, CredentialRef: "ref1", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))
	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), MaxSymbols: 10, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	pos := &models.Position{StrategyAccountID: sa.ID, Symbol: "ETH/USDT", Quantity: decimal.NewFromInt(-3), EntryPrice: decimal.NewFromInt(3000)}
	require.NoError(t, store.DB.Create(pos).Error)

	adapter := &resolverAdapter{
		positions: []exchange.PositionSnapshot{{Symbol: "ETH/USDT", Quantity: decimal.NewFromInt(-3), EntryPrice: decimal.NewFromInt(3000), MarkPrice: decimal.NewFromInt(2900)}},
	}
	reg := exchange.NewRegistry()
	reg.Register(adapter, models.MarketFutures)
	prices := exchange.NewPriceCache()

	require.NoError(t, markPositions(context.Background(), store, reg, resolverSecrets{}, prices))

	var saved models.Position
	require.NoError(t, store.DB.First(&saved, pos.ID).Error)
	assert.True(t, saved.MarkPrice.Equal(decimal.NewFromInt(2900)))
	assert.True(t, saved.UnrealizedPnL.Equal(decimal.NewFromInt(300)))
}

func TestStuckCancelResolverFallsBackToOpenWhenStillWorking(t *testing.T) {
	store := newTestStore(t)

	strat := &models.Strategy{OwnerUserID: 1, GroupName: "g1", MarketType: models.MarketSpot, IsActive: true}
	require.NoError(t, store.SaveStrategy(strat))
	acc := &models.Account{OwnerUserID: 1, DisplayName: "a1", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, CredentialRef: "ref1", IsActive: true}
	require.NoError(t, store.SaveAccount(acc))
	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: acc.ID, Weight: decimal.NewFromInt(1), Leverage: decimal.NewFromInt(1), MaxSymbols: 10, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	reg := exchange.NewRegistry()
	reg.Register(&resolverAdapter{snap: exchange.OrderSnapshot{Status: models.StatusOpen}}, models.MarketSpot)

	resolve := stuckCancelResolver(store, reg, resolverSecrets{})

	order := &models.Order{StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: models.SideBuy, OrderType: models.OrderLimit, Quantity: decimal.NewFromInt(1), Status: models.StatusCancelling, ExchangeOrderID: "EX-1"}
	status, err := resolve(order)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, status)
}
