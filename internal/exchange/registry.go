package exchange

import (
	"fmt"

	"github.com/web3guy0/polybot/internal/models"
)

// Registry maps (exchange, market_type) to the Adapter that serves it,
// so every other package dispatches through Get instead of switching on
// models.Exchange itself (§9 redesign note: no call-site branching).
type Registry struct {
	adapters map[models.Exchange]map[models.MarketType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Exchange]map[models.MarketType]Adapter)}
}

// Register binds an Adapter to each market type passed in marketTypes.
func (r *Registry) Register(a Adapter, marketTypes ...models.MarketType) {
	for _, mt := range marketTypes {
		if r.adapters[a.Name()] == nil {
			r.adapters[a.Name()] = make(map[models.MarketType]Adapter)
		}
		r.adapters[a.Name()][mt] = a
	}
}

// Get returns the Adapter bound to (exchange, marketType).
func (r *Registry) Get(ex models.Exchange, marketType models.MarketType) (Adapter, error) {
	byType, ok := r.adapters[ex]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for exchange %s", ex)
	}
	a, ok := byType[marketType]
	if !ok {
		return nil, fmt.Errorf("exchange %s has no adapter for market type %s", ex, marketType)
	}
	return a, nil
}

// Any returns one adapter registered for the exchange, regardless of
// market type; which one is not fixed when several are registered.
// MarketCatalog.Refresh loads markets through it, so for such an exchange
// only the returned adapter's LoadMarkets table is loaded.
func (r *Registry) Any(ex models.Exchange) (Adapter, bool) {
	byType, ok := r.adapters[ex]
	if !ok {
		return nil, false
	}
	for _, a := range byType {
		return a, true
	}
	return nil, false
}

// Exchanges lists every exchange with at least one registered adapter.
func (r *Registry) Exchanges() []models.Exchange {
	out := make([]models.Exchange, 0, len(r.adapters))
	for ex := range r.adapters {
		out = append(out, ex)
	}
	return out
}
