package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/web3guy0/polybot/internal/models"
)

// RateLimiter enforces a per-(exchange,endpoint) token bucket, scaled by
// config's rate_limit_safety factor so the gateway never runs an account
// up against the exchange's own published ceiling (§4.8 "Rate limiting").
type RateLimiter struct {
	mu       sync.Mutex
	safety   float64
	limiters map[string]*rate.Limiter
	specs    map[string]limitSpec
}

type limitSpec struct {
	ratePerSec float64
	burst      int
}

// defaultSpecs holds the published per-exchange, per-endpoint-class
// limits this gateway budgets against. Endpoint classes are coarse
// ("order", "market", "account") rather than per-path, matching how the
// exchanges themselves bucket their weight limits.
var defaultSpecs = map[models.Exchange]map[string]limitSpec{
	models.ExchangeBinance: {
		"order":   {ratePerSec: 10, burst: 20},
		"market":  {ratePerSec: 20, burst: 40},
		"account": {ratePerSec: 5, burst: 10},
	},
	models.ExchangeBybit: {
		"order":   {ratePerSec: 10, burst: 10},
		"market":  {ratePerSec: 20, burst: 20},
		"account": {ratePerSec: 10, burst: 10},
	},
	models.ExchangeUpbit: {
		// Upbit's own limit is ~8 req/s for orders, ~30 req/s for quotation.
		// Nothing calls the Upbit adapter's Sequential(), so these buckets
		// are the only throttle on Upbit calls; no minimum spacing and no
		// one-in-flight rule is enforced.
		"order":   {ratePerSec: 8, burst: 4},
		"market":  {ratePerSec: 10, burst: 10},
		"account": {ratePerSec: 8, burst: 4},
	},
	models.ExchangeBithumb: {
		"order":   {ratePerSec: 8, burst: 4},
		"market":  {ratePerSec: 10, burst: 10},
		"account": {ratePerSec: 8, burst: 4},
	},
}

// NewRateLimiter builds a limiter pre-scaled by safety, e.g. safety=0.55
// admits 55% of each exchange's published limit.
func NewRateLimiter(safety float64) *RateLimiter {
	if safety <= 0 || safety > 1 {
		safety = 0.55
	}
	return &RateLimiter{
		safety:   safety,
		limiters: make(map[string]*rate.Limiter),
		specs:    flatten(defaultSpecs),
	}
}

func flatten(m map[models.Exchange]map[string]limitSpec) map[string]limitSpec {
	out := make(map[string]limitSpec)
	for ex, classes := range m {
		for class, spec := range classes {
			out[string(ex)+"|"+class] = spec
		}
	}
	return out
}

// Wait blocks until a token is available for (exchange, endpointClass) or
// ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context, ex models.Exchange, endpointClass string) error {
	return r.limiterFor(ex, endpointClass).Wait(ctx)
}

func (r *RateLimiter) limiterFor(ex models.Exchange, endpointClass string) *rate.Limiter {
	key := string(ex) + "|" + endpointClass
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[key]; ok {
		return lim
	}
	spec, ok := r.specs[key]
	if !ok {
		spec = limitSpec{ratePerSec: 5, burst: 5}
	}
	lim := rate.NewLimiter(rate.Limit(spec.ratePerSec*r.safety), maxInt(1, int(float64(spec.burst)*r.safety)))
	r.limiters[key] = lim
	return lim
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
