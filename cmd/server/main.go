package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/holds"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/settlement"
	"github.com/ksred/stockhold-api/internal/tracing"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
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

// main wires the stock services, starts the hold sweeper and the optional
// webhook consumer, and serves the API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, config.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	productCache := newProductCache(ctx, cfg.Redis)
	app := newApp(db, productCache, clock.NewSystem(), cfg)

	sweeper := holds.NewSweeper(db, ledger.New(productCache), clock.NewSystem(), cfg.Holds)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: app.router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})

	if len(cfg.Kafka.Brokers) > 0 {
		consumer := settlement.NewConsumer(cfg.Kafka, app.settlement)
		consumer.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			return consumer.Stop()
		})
	}

	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownTracing(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newProductCache connects to Redis when configured. An unreachable Redis
// degrades to uncached reads rather than blocking startup.
func newProductCache(ctx context.Context, cfg config.RedisConfig) cache.ProductCache {
	if cfg.Addr == "" {
		zlog.Info().Msg("Redis not configured, product cache disabled")
		return cache.NoopCache{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zlog.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, product cache disabled")
		_ = client.Close()
		return cache.NoopCache{}
	}

	return cache.NewRedisCache(client, cfg.TTL)
}
