package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/models"
)

// PriceCache is the shared, process-wide last-ticker cache per
// (exchange, symbol), refreshed every price_refresh_s seconds
// (§4.3.6 "MARKET sizing uses webhook-provided price first, then price
// cache"; §5 "~31s refresh"). Symbols are drawn from whatever the
// MarketCatalog currently knows about, so coverage follows the catalog
// without a second symbol list to keep in sync.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[models.Exchange]map[string]decimal.Decimal
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[models.Exchange]map[string]decimal.Decimal)}
}

// Refresh re-fetches a ticker per cataloged symbol for every registered
// adapter. One symbol's fetch failing does not block the rest; it is
// logged and the previous cached price (if any) is kept.
func (c *PriceCache) Refresh(ctx context.Context, reg *Registry, catalog *MarketCatalog) {
	for _, ex := range reg.Exchanges() {
		adapter, ok := reg.Any(ex)
		if !ok {
			continue
		}
		symbols := catalog.Symbols(ex)
		for _, symbol := range symbols {
			price, err := adapter.FetchTicker(ctx, symbol)
			if err != nil {
				log.Warn().Err(err).Str("exchange", string(ex)).Str("symbol", symbol).Msg("price cache refresh failed, keeping stale price")
				continue
			}
			c.mu.Lock()
			if c.prices[ex] == nil {
				c.prices[ex] = make(map[string]decimal.Decimal)
			}
			c.prices[ex][symbol] = price
			c.mu.Unlock()
		}
	}
}

// Price looks up the cached last price for one symbol.
func (c *PriceCache) Price(ex models.Exchange, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, ok := c.prices[ex]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price cache loaded for exchange %s", ex)
	}
	price, ok := table[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("symbol %s not found in price cache for exchange %s", symbol, ex)
	}
	return price, nil
}
