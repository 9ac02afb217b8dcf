package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/models"
)

// MarketCatalog is the shared, process-wide cache of SymbolRules per
// (exchange, symbol), warmed at startup and refreshed on the
// catalog_refresh schedule (§4.8, §6). Binance/Bybit populate it
// from their exchangeInfo endpoints; Upbit/Bithumb populate it from
// fixed, documented step-size tables since neither publishes a
// per-symbol precision endpoint the way the Binance-family APIs do.
type MarketCatalog struct {
	mu    sync.RWMutex
	rules map[models.Exchange]map[string]SymbolRules
}

func NewMarketCatalog() *MarketCatalog {
	return &MarketCatalog{rules: make(map[models.Exchange]map[string]SymbolRules)}
}

// Refresh reloads every adapter's market table. A single adapter failing
// to load does not block the others; it is logged and the previous
// cached table (if any) is kept.
func (c *MarketCatalog) Refresh(ctx context.Context, reg *Registry) {
	for _, ex := range reg.Exchanges() {
		adapter, ok := reg.Any(ex)
		if !ok {
			continue
		}
		rules, err := adapter.LoadMarkets(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", string(ex)).Msg("market catalog refresh failed, keeping stale rules")
			continue
		}
		c.mu.Lock()
		c.rules[ex] = rules
		c.mu.Unlock()
	}
}

// Rules looks up the cached precision/limits for one symbol.
func (c *MarketCatalog) Rules(ex models.Exchange, symbol string) (SymbolRules, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table, ok := c.rules[ex]
	if !ok {
		return SymbolRules{}, fmt.Errorf("no market catalog loaded for exchange %s", ex)
	}
	rules, ok := table[symbol]
	if !ok {
		return SymbolRules{}, fmt.Errorf("symbol %s not found on exchange %s", symbol, ex)
	}
	return rules, nil
}

// Symbols lists every symbol currently cataloged for an exchange, the
// PriceCache refresh's per-exchange work list.
func (c *MarketCatalog) Symbols(ex models.Exchange) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table := c.rules[ex]
	out := make([]string, 0, len(table))
	for symbol := range table {
		out = append(out, symbol)
	}
	return out
}
