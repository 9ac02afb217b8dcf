package router

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/storage"
)

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

func seedStrategy(t *testing.T, store *storage.Store, groupName, token string, isPublic bool) *models.Strategy {
	t.Helper()
	acc := &models.Account{OwnerUserID: 1, DisplayName: "main", Exchange: models.ExchangeBinance, MarketType: models.MarketSpot, WebhookToken: token, IsActive: true}
	require.NoError(t, store.SaveAccount(acc))
	strat := &models.Strategy{OwnerUserID: 1, GroupName: groupName, MarketType: models.MarketSpot, IsActive: true, IsPublic: isPublic}
	require.NoError(t, store.SaveStrategy(strat))
	return strat
}

func ptr(s string) *decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return &v
}

func TestRouteSingleIntentMarketOrder(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)

	batch, err := r.Route(RawWebhook{
		GroupName: "grp1",
		Token:     "tok1",
		RawIntent: RawIntent{Symbol: "btc-usdt", Side: "buy", OrderType: "market"},
	})
	require.NoError(t, err)
	require.Len(t, batch.High, 1)
	assert.Empty(t, batch.Low)
	assert.Equal(t, "BTC/USDT", batch.High[0].Symbol)
	assert.Equal(t, models.SideBuy, batch.High[0].Side)
}

func TestRouteRejectsUnknownGroupName(t *testing.T) {
	store := newTestStore(t)
	r := New(store)
	_, err := r.Route(RawWebhook{GroupName: "nope", Token: "x", RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market"}})
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRouteRejectsBadToken(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)
	_, err := r.Route(RawWebhook{GroupName: "grp1", Token: "wrong", RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market"}})
	require.Error(t, err)
	assert.Equal(t, apperr.AuthFailure, apperr.KindOf(err))
}

func TestRouteRejectsInactiveStrategy(t *testing.T) {
	store := newTestStore(t)
	strat := seedStrategy(t, store, "grp1", "tok1", false)
	strat.IsActive = false
	require.NoError(t, store.SaveStrategy(strat))
	r := New(store)
	_, err := r.Route(RawWebhook{GroupName: "grp1", Token: "tok1", RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market"}})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestRouteLimitRequiresPrice(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)
	_, err := r.Route(RawWebhook{GroupName: "grp1", Token: "tok1", RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "limit"}})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestRouteStopLimitRequiresBothPrices(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)
	_, err := r.Route(RawWebhook{
		GroupName: "grp1", Token: "tok1",
		RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "stop_limit", Price: ptr("100")},
	})
	require.Error(t, err)
}

func TestRouteMarketDropsStopPriceWithoutError(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)
	batch, err := r.Route(RawWebhook{
		GroupName: "grp1", Token: "tok1",
		RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market", StopPrice: ptr("90")},
	})
	require.NoError(t, err)
	require.Len(t, batch.High, 1)
	assert.Nil(t, batch.High[0].StopPrice)
}

func TestRouteBatchSplitsHighAndLowPreservingOrder(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)

	orders := []RawIntent{
		{Symbol: "BTC/USDT", Side: "buy", OrderType: "limit", Price: ptr("100")},
		{Symbol: "ETH/USDT", Side: "sell", OrderType: "market"},
		{Symbol: "BTC/USDT", Side: "sell", OrderType: "cancel_all_order"},
		{Symbol: "SOL/USDT", Side: "buy", OrderType: "stop_market", Price: ptr("20"), StopPrice: ptr("19")},
	}
	batch, err := r.Route(RawWebhook{GroupName: "grp1", Token: "tok1", Orders: &orders})
	require.NoError(t, err)

	require.Len(t, batch.High, 2)
	assert.Equal(t, "ETH/USDT", batch.High[0].Symbol)
	assert.Equal(t, "BTC/USDT", batch.High[1].Symbol)

	require.Len(t, batch.Low, 2)
	assert.Equal(t, "BTC/USDT", batch.Low[0].Symbol)
	assert.Equal(t, "SOL/USDT", batch.Low[1].Symbol)
}

func TestRouteEmptyOrdersArrayIsABatchNotSingleIntent(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)

	orders := []RawIntent{}
	batch, err := r.Route(RawWebhook{GroupName: "grp1", Token: "tok1", Orders: &orders})
	require.NoError(t, err)
	assert.Empty(t, batch.High)
	assert.Empty(t, batch.Low)
}

func TestRouteRejectsBatchOverCap(t *testing.T) {
	store := newTestStore(t)
	seedStrategy(t, store, "grp1", "tok1", false)
	r := New(store)

	orders := make([]RawIntent, maxBatchIntents+1)
	for i := range orders {
		orders[i] = RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market"}
	}
	_, err := r.Route(RawWebhook{GroupName: "grp1", Token: "tok1", Orders: &orders})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestRoutePublicStrategyAcceptsSubscriberToken(t *testing.T) {
	store := newTestStore(t)
	strat := seedStrategy(t, store, "grp1", "owner-tok", true)

	subAcc := &models.Account{OwnerUserID: 2, DisplayName: "sub", Exchange: models.ExchangeBybit, MarketType: models.MarketSpot, WebhookToken: "sub-tok", IsActive: true}
	require.NoError(t, store.SaveAccount(subAcc))
	sa := &models.StrategyAccount{StrategyID: strat.ID, AccountID: subAcc.ID, IsActive: true}
	require.NoError(t, store.SaveStrategyAccount(sa))

	r := New(store)
	_, err := r.Route(RawWebhook{GroupName: "grp1", Token: "sub-tok", RawIntent: RawIntent{Symbol: "BTC/USDT", Side: "buy", OrderType: "market"}})
	require.NoError(t, err)
}
