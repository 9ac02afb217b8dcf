// Command gateway is the polybot trading gateway's entrypoint: it wires
// storage, the exchange registry, the OrderEngine/QueueScheduler/
// FillReconciler/Orchestrator pipeline, the EventBus, and the HTTP
// ingress together, then runs until terminated. Wiring order and the
// signal-driven graceful shutdown follow the teacher's
// cmd/polybot/main.go.
package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/clock"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/eventbus"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/fillreconciler"
	"github.com/web3guy0/polybot/internal/ingress"
	"github.com/web3guy0/polybot/internal/models"
	"github.com/web3guy0/polybot/internal/notify"
	"github.com/web3guy0/polybot/internal/orchestrator"
	"github.com/web3guy0/polybot/internal/orderengine"
	"github.com/web3guy0/polybot/internal/queue"
	"github.com/web3guy0/polybot/internal/router"
	"github.com/web3guy0/polybot/internal/secretstore"
	"github.com/web3guy0/polybot/internal/storage"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Str("version", version).Msg("gateway starting")

	store, err := storage.New(cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}

	secrets := secretstore.NewEnvStore()
	limiter := exchange.NewRateLimiter(cfg.RateLimitSafety)

	registry := exchange.NewRegistry()
	registry.Register(exchange.NewBinanceAdapter(limiter, false), models.MarketSpot)
	registry.Register(exchange.NewBinanceAdapter(limiter, true), models.MarketFutures)
	registry.Register(exchange.NewBybitAdapter(limiter, false), models.MarketSpot)
	registry.Register(exchange.NewBybitAdapter(limiter, true), models.MarketFutures)
	registry.Register(exchange.NewUpbitAdapter(limiter), models.MarketSpot)
	registry.Register(exchange.NewBithumbAdapter(limiter), models.MarketSpot)

	catalog := exchange.NewMarketCatalog()
	prices := exchange.NewPriceCache()

	clk := clock.NewSystem()

	bus := eventbus.New(busAccess{store}, cfg.SSEMaxQueue, cfg.SSEHistory, 2*time.Second)

	engine := orderengine.New(store, registry, secrets, clk).WithEventBus(bus)

	limits := queue.StaticLimits{Default: queue.ExchangeLimits{MaxPerSide: 20, MaxConditionalPerSide: 5}}
	scheduler := queue.New(store, engine, registry, limits, decimal.NewFromFloat(cfg.StopAllocationRatio), clk)

	reconciler := fillreconciler.New(store, registry, secrets, bus, clk)

	rtr := router.New(store)
	orch := orchestrator.New(store, engine, catalog, prices)

	notifier, err := notify.New(cfg.TelegramBotToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier disabled")
	}

	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		log.Fatal().Err(err).Msg("failed to generate csrf key")
	}

	srv := ingress.New(cfg, store, rtr, orch, engine, bus, notifier, csrfKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribeActiveAccounts(store, reconciler)

	go runQueueLoop(ctx, scheduler, cfg.QueueRebalance)
	go runPollLoop(ctx, reconciler, cfg.OpenOrderPoll)
	go runPriceRefreshLoop(ctx, prices, registry, catalog, cfg.PriceRefresh)
	go runSweepLoop(ctx, engine, store, registry, secrets, cfg.OpenOrderPoll)
	go runReapLoop(ctx, bus)
	go runCatalogRefresh(ctx, catalog, registry, cfg.CatalogRefreshCron)
	go runPnLMarkLoop(ctx, store, registry, secrets, prices, cfg.PnLRefresh)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("ingress server failed")
		}
	}()

	log.Info().Str("addr", cfg.BindAddr).Msg("gateway ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingress shutdown error")
	}

	log.Info().Msg("gateway stopped")
}

type busAccess struct {
	store *storage.Store
}

func (a busAccess) CanAccess(userID, strategyID uint) (bool, error) {
	return a.store.UserCanAccessStrategy(userID, strategyID)
}

func (a busAccess) IsActive(strategyID uint) (bool, error) {
	return a.store.StrategyIsActive(strategyID)
}

// subscribeActiveAccounts opens the FillReconciler's user-data stream for
// every account already carrying open orders at startup, mirroring
// execution/reconciler.go's recovery-on-boot scan.
func subscribeActiveAccounts(store *storage.Store, reconciler *fillreconciler.Reconciler) {
	ids, err := store.ActiveAccountIDs()
	if err != nil {
		log.Error().Err(err).Msg("failed to list active accounts at startup")
		return
	}
	for _, id := range ids {
		account, err := store.GetAccount(id)
		if err != nil {
			continue
		}
		if err := reconciler.Subscribe(account); err != nil {
			log.Warn().Err(err).Uint("account_id", id).Msg("failed to subscribe account to fill reconciler at startup")
		}
	}
}

func runQueueLoop(ctx context.Context, s *queue.Scheduler, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil {
				log.Warn().Err(err).Msg("queue scheduler tick failed")
			}
		}
	}
}

func runPollLoop(ctx context.Context, r *fillreconciler.Reconciler, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Poll(ctx); err != nil {
				log.Warn().Err(err).Msg("fill reconciler poll failed")
			}
		}
	}
}

func runPriceRefreshLoop(ctx context.Context, prices *exchange.PriceCache, reg *exchange.Registry, catalog *exchange.MarketCatalog, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prices.Refresh(ctx, reg, catalog)
		}
	}
}

// runSweepLoop runs OrderEngine's two crash-recovery sweeps on the same
// cadence as the open-order poll, since both exist to catch state the
// happy path missed.
func runSweepLoop(ctx context.Context, engine *orderengine.Engine, store *storage.Store, reg *exchange.Registry, secrets secretstore.Store, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	resolve := stuckCancelResolver(store, reg, secrets)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := engine.SweepOrphans(ctx); err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
			}
			if _, err := engine.SweepStuckCancels(ctx, resolve); err != nil {
				log.Warn().Err(err).Msg("cancel-stuck sweep failed")
			}
		}
	}
}

// stuckCancelResolver re-queries the exchange for a CANCELLING order's
// true state, the callback SweepStuckCancels needs to resolve §4.3.3's
// sweep without the engine itself depending on the registry/secretstore
// for account lookup.
func stuckCancelResolver(store *storage.Store, reg *exchange.Registry, secrets secretstore.Store) func(order *models.Order) (models.OrderStatus, error) {
	return func(order *models.Order) (models.OrderStatus, error) {
		sa, err := store.GetStrategyAccount(order.StrategyAccountID)
		if err != nil {
			return "", err
		}
		account, err := store.GetAccount(sa.AccountID)
		if err != nil {
			return "", err
		}
		adapter, err := reg.Get(account.Exchange, account.MarketType)
		if err != nil {
			return "", err
		}
		creds, err := secrets.Get(account.CredentialRef)
		if err != nil {
			return "", err
		}
		snap, err := adapter.FetchOrder(context.Background(), exchange.Credentials{
			APIKey: creds.APIKey, APISecret: creds.APISecret, Passphrase: creds.Passphrase,
		}, order.Symbol, order.ExchangeOrderID)
		if err != nil {
			return "", err
		}
		if snap.Status == models.StatusCancelled || snap.Status == models.StatusFilled || snap.Status == models.StatusExpired || snap.Status == models.StatusRejected {
			return snap.Status, nil
		}
		return models.StatusOpen, nil
	}
}

// runPnLMarkLoop implements §5's ~307s PnL mark timer: every open Position
// gets a fresh mark_price and a recomputed unrealized_pnl. Futures
// accounts mark from the adapter's own FetchPositions (binance.go/bybit.go
// already parse an exchange-reported markPrice off that call); spot
// accounts have no exchange-side "position" to query, so they mark from
// the shared PriceCache instead.
func runPnLMarkLoop(ctx context.Context, store *storage.Store, reg *exchange.Registry, secrets secretstore.Store, prices *exchange.PriceCache, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := markPositions(ctx, store, reg, secrets, prices); err != nil {
				log.Warn().Err(err).Msg("pnl mark sweep failed")
			}
		}
	}
}

func markPositions(ctx context.Context, store *storage.Store, reg *exchange.Registry, secrets secretstore.Store, prices *exchange.PriceCache) error {
	positions, err := store.OpenPositions()
	if err != nil {
		return err
	}

	futuresCache := map[uint]futuresSnapshotResult{}

	for i := range positions {
		pos := &positions[i]

		sa, err := store.GetStrategyAccount(pos.StrategyAccountID)
		if err != nil {
			log.Warn().Err(err).Uint("position_id", pos.ID).Msg("pnl mark: failed to load strategy_account")
			continue
		}
		account, err := store.GetAccount(sa.AccountID)
		if err != nil {
			log.Warn().Err(err).Uint("account_id", sa.AccountID).Msg("pnl mark: failed to load account")
			continue
		}

		mark, ok := resolveMarkPrice(ctx, account, pos.Symbol, reg, secrets, prices, futuresCache)
		if !ok {
			continue
		}

		pos.MarkPrice = mark
		pos.UnrealizedPnL = pos.Quantity.Mul(mark.Sub(pos.EntryPrice))
		if err := store.SavePosition(nil, pos); err != nil {
			log.Warn().Err(err).Uint("position_id", pos.ID).Msg("pnl mark: failed to save position")
		}
	}
	return nil
}

type futuresSnapshotResult struct {
	snaps []exchange.PositionSnapshot
	err   error
}

// resolveMarkPrice returns the price to mark pos.Symbol at for account, and
// whether one could be found at all (a cold PriceCache with no prior
// ticker fetch yields false, which just skips this position until the
// next tick).
func resolveMarkPrice(ctx context.Context, account *models.Account, symbol string, reg *exchange.Registry, secrets secretstore.Store, prices *exchange.PriceCache, cache map[uint]futuresSnapshotResult) (decimal.Decimal, bool) {
	if account.MarketType == models.MarketFutures {
		entry, ok := cache[account.ID]
		if !ok {
			entry = fetchFuturesSnapshots(ctx, account, reg, secrets)
			cache[account.ID] = entry
		}
		if entry.err != nil {
			log.Warn().Err(entry.err).Uint("account_id", account.ID).Msg("pnl mark: failed to fetch futures positions")
		}
		for _, snap := range entry.snaps {
			if snap.Symbol == symbol {
				return snap.MarkPrice, true
			}
		}
	}

	price, err := prices.Price(account.Exchange, symbol)
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

func fetchFuturesSnapshots(ctx context.Context, account *models.Account, reg *exchange.Registry, secrets secretstore.Store) futuresSnapshotResult {
	adapter, err := reg.Get(account.Exchange, account.MarketType)
	if err != nil {
		return futuresSnapshotResult{err: err}
	}
	creds, err := secrets.Get(account.CredentialRef)
	if err != nil {
		return futuresSnapshotResult{err: err}
	}
	snaps, err := adapter.FetchPositions(ctx, exchange.Credentials{APIKey: creds.APIKey, APISecret: creds.APISecret, Passphrase: creds.Passphrase})
	if err != nil {
		return futuresSnapshotResult{err: err}
	}
	return futuresSnapshotResult{snaps: snaps}
}

func runReapLoop(ctx context.Context, bus *eventbus.Bus) {
	t := time.NewTicker(60 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			bus.Reap()
		}
	}
}

// runCatalogRefresh parses the "hourly:<minute>" schedule into a
// standard 5-field cron expression and runs the MarketCatalog refresh on
// it, warming the catalog once immediately on startup first.
func runCatalogRefresh(ctx context.Context, catalog *exchange.MarketCatalog, reg *exchange.Registry, schedule string) {
	catalog.Refresh(ctx, reg)

	expr := catalogCronExpr(schedule)
	c := cron.New()
	_, err := c.AddFunc(expr, func() { catalog.Refresh(ctx, reg) })
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule).Msg("invalid catalog refresh schedule, catalog will not auto-refresh")
		return
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
}

// catalogCronExpr translates the config's "hourly:15" shorthand into
// "15 * * * *"; anything else is passed through as a raw cron expression
// so an operator can set e.g. "*/30 * * * *" directly.
func catalogCronExpr(schedule string) string {
	const prefix = "hourly:"
	if len(schedule) > len(prefix) && schedule[:len(prefix)] == prefix {
		return schedule[len(prefix):] + " * * * *"
	}
	return schedule
}
