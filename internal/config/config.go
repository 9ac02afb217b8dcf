// Package config loads the gateway's environment-driven settings (spec
// §6). It replaces the teacher's hand-rolled getEnv* helpers
// (internal/config/config.go in web3guy0-polybot) with viper, keeping the
// same "typed struct with defaults" shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the gateway's full runtime configuration, covering every key
// named in spec §6.
type Config struct {
	DBURL   string
	BindAddr string

	HTTPDeadline      time.Duration
	QueueRebalance    time.Duration
	OpenOrderPoll     time.Duration
	PriceRefresh      time.Duration
	PnLRefresh        time.Duration
	CatalogRefreshCron string // "hourly:15" — parsed by catalogCronExpr in cmd/gateway

	SSEMaxQueue   int
	SSEHistory    int
	SSEHeartbeat  time.Duration

	StopAllocationRatio decimal64
	MaxBatchOrders      int
	MaxRetry            int
	RateLimitSafety     decimal64

	TelegramBotToken string
	TelegramChatID   int64
}

// decimal64 avoids importing shopspring/decimal just for two ratio knobs
// that are always read as plain floats from the environment.
type decimal64 = float64

// Load reads a .env file if present (teacher convention,
// github.com/joho/godotenv), then binds every spec §6 key via viper with
// the spec's documented defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading process environment only")
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("http_deadline_ms", 10000)
	v.SetDefault("queue_rebalance_ms", 1000)
	v.SetDefault("open_order_poll_s", 29)
	v.SetDefault("price_refresh_s", 31)
	v.SetDefault("pnl_refresh_s", 307)
	v.SetDefault("catalog_refresh", "hourly:15")
	v.SetDefault("sse_max_queue", 50)
	v.SetDefault("sse_history", 100)
	v.SetDefault("sse_heartbeat_s", 10)
	v.SetDefault("stop_allocation_ratio", 0.25)
	v.SetDefault("max_batch_orders", 30)
	v.SetDefault("max_retry", 5)
	v.SetDefault("rate_limit_safety", 0.55)

	dbURL := v.GetString("db_url")
	if dbURL == "" {
		return nil, fmt.Errorf("config: DB_URL is required")
	}

	cfg := &Config{
		DBURL:               dbURL,
		BindAddr:            v.GetString("bind_addr"),
		HTTPDeadline:        time.Duration(v.GetInt("http_deadline_ms")) * time.Millisecond,
		QueueRebalance:      time.Duration(v.GetInt("queue_rebalance_ms")) * time.Millisecond,
		OpenOrderPoll:       time.Duration(v.GetInt("open_order_poll_s")) * time.Second,
		PriceRefresh:        time.Duration(v.GetInt("price_refresh_s")) * time.Second,
		PnLRefresh:          time.Duration(v.GetInt("pnl_refresh_s")) * time.Second,
		CatalogRefreshCron:  v.GetString("catalog_refresh"),
		SSEMaxQueue:         v.GetInt("sse_max_queue"),
		SSEHistory:          v.GetInt("sse_history"),
		SSEHeartbeat:        time.Duration(v.GetInt("sse_heartbeat_s")) * time.Second,
		StopAllocationRatio: v.GetFloat64("stop_allocation_ratio"),
		MaxBatchOrders:      v.GetInt("max_batch_orders"),
		MaxRetry:            v.GetInt("max_retry"),
		RateLimitSafety:     v.GetFloat64("rate_limit_safety"),
		TelegramBotToken:    v.GetString("telegram_bot_token"),
		TelegramChatID:      v.GetInt64("telegram_chat_id"),
	}

	return cfg, nil
}
