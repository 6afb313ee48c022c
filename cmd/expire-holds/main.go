package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/holds"
	"github.com/ksred/stockhold-api/internal/ledger"
)

func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs a single hold sweep, for deployments that schedule expiry
// externally instead of running the in-process ticker
func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup happens before exit.
// A sweep that failed to expire some holds exits 1.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize database")
		return 1
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var productCache cache.ProductCache = cache.NoopCache{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		productCache = cache.NewRedisCache(client, cfg.Redis.TTL)
	}

	sweeper := holds.NewSweeper(db, ledger.New(productCache), clock.NewSystem(), cfg.Holds)
	result, err := sweeper.ExpireHolds(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("Hold sweep failed")
		return 1
	}

	zlog.Info().
		Int("expired", result.Expired).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Hold sweep finished")

	if result.Errors > 0 {
		return 1
	}
	return 0
}
