package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/internal/models"
)

type stubAdapter struct {
	name models.Exchange
}

func (s *stubAdapter) Name() models.Exchange { return s.name }
func (s *stubAdapter) CreateOrder(ctx context.Context, creds Credentials, req PlaceRequest) (PlaceResult, error) {
	return PlaceResult{}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, id string) error {
	return nil
}
func (s *stubAdapter) FetchOrder(ctx context.Context, creds Credentials, symbol, id string) (OrderSnapshot, error) {
	return OrderSnapshot{}, nil
}
func (s *stubAdapter) FetchOpenOrders(ctx context.Context, creds Credentials, symbol string) ([]OrderSnapshot, error) {
	return nil, nil
}
func (s *stubAdapter) FetchBalance(ctx context.Context, creds Credentials) ([]Balance, error) {
	return nil, nil
}
func (s *stubAdapter) FetchPositions(ctx context.Context, creds Credentials) ([]PositionSnapshot, error) {
	return nil, nil
}
func (s *stubAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubAdapter) StreamUserEvents(ctx context.Context, creds Credentials) (<-chan UserEvent, error) {
	ch := make(chan UserEvent)
	close(ch)
	return ch, nil
}
func (s *stubAdapter) LoadMarkets(ctx context.Context) (map[string]SymbolRules, error) {
	return map[string]SymbolRules{"BTC/USDT": {}}, nil
}
func (s *stubAdapter) Sequential() (bool, time.Duration) { return false, 0 }
func (s *stubAdapter) Normalize(raw []byte) (UserEvent, bool) { return UserEvent{}, false }

func TestRegistryGetAndAny(t *testing.T) {
	reg := NewRegistry()
	binance := &stubAdapter{name: models.ExchangeBinance}
	reg.Register(binance, models.MarketSpot, models.MarketFutures)

	got, err := reg.Get(models.ExchangeBinance, models.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, binance, got)

	_, err = reg.Get(models.ExchangeBinance, models.MarketStock)
	assert.Error(t, err)

	_, err = reg.Get(models.ExchangeUpbit, models.MarketSpot)
	assert.Error(t, err)

	any, ok := reg.Any(models.ExchangeBinance)
	assert.True(t, ok)
	assert.Equal(t, binance, any)

	assert.ElementsMatch(t, []models.Exchange{models.ExchangeBinance}, reg.Exchanges())
}

func TestRateLimiterScalesBySafety(t *testing.T) {
	rl := NewRateLimiter(0.5)
	lim := rl.limiterFor(models.ExchangeBinance, "order")
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.001)
	assert.Equal(t, 10, lim.Burst())
}

func TestRateLimiterWaitRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(0.01)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	// Drain the tiny burst first so the next Wait call actually blocks.
	require.NoError(t, rl.Wait(context.Background(), models.ExchangeUpbit, "order"))
	err := rl.Wait(ctx, models.ExchangeUpbit, "order")
	assert.Error(t, err)
}
