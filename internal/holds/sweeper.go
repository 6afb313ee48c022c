package holds

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/metrics"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SweepResult summarises one pass of the expiry sweep.
type SweepResult struct {
	Expired  int           `json:"expired"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Sweeper returns the stock of lapsed holds to the pool.
type Sweeper struct {
	db          *Database
	ledger      *ledger.Ledger
	clock       clock.Clock
	interval    time.Duration
	batchSize   int
	maxAttempts int
	running     atomic.Bool
}

func NewSweeper(gormDB *gorm.DB, stock *ledger.Ledger, clk clock.Clock, cfg config.HoldsConfig) *Sweeper {
	return &Sweeper{
		db:          NewDatabase(gormDB),
		ledger:      stock,
		clock:       clk,
		interval:    cfg.SweepInterval,
		batchSize:   cfg.SweepBatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Start runs the sweep every interval until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "hold_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting hold sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down hold sweeper")
			return
		case <-ticker.C:
			if _, err := s.ExpireHolds(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("failed to expire holds")
			}
		}
	}
}

// ExpireHolds expires every active hold whose deadline has passed and
// releases its stock. Each hold is reclaimed in its own transaction; a
// failure on one hold is counted and the sweep moves on. Running it again
// over the same holds changes nothing.
func (s *Sweeper) ExpireHolds(ctx context.Context) (result SweepResult, err error) {
	logger := log.With().Str("component", "hold_sweeper").Logger()

	if !s.running.CompareAndSwap(false, true) {
		logger.Debug().Msg("sweep already in progress, skipping")
		return result, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	now := s.clock.Now()
	defer func() {
		result.Duration = time.Since(start)
		metrics.SweepDuration.Observe(result.Duration.Seconds())
	}()

	var afterID uint64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.db.ExpiredHolds(ctx, now, afterID, s.batchSize)
		if err != nil {
			return result, err
		}

		for i := range batch {
			hold := &batch[i]
			afterID = hold.ID

			expired, err := s.expireHold(ctx, hold, now)
			switch {
			case err != nil:
				result.Errors++
				metrics.SweepErrors.Inc()
				logger.Error().
					Err(err).
					Uint64("hold_id", hold.ID).
					Uint64("product_id", hold.ProductID).
					Msg("failed to expire hold")
			case expired:
				result.Expired++
				metrics.HoldsExpired.Inc()
			default:
				result.Skipped++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	logger.Info().
		Int("expired", result.Expired).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("duration", time.Since(start)).
		Msg("hold sweep completed")
	return result, nil
}

// expireHold reports false without error when the hold no longer needs
// reclaiming or its product is gone.
func (s *Sweeper) expireHold(ctx context.Context, hold *types.Hold, now time.Time) (bool, error) {
	var expired bool
	err := database.Transaction(ctx, s.db.DB(), s.maxAttempts, func(ctx context.Context, tx *gorm.DB) error {
		expired = false

		product, err := s.ledger.LockProduct(ctx, tx, hold.ProductID)
		if errors.Is(err, types.ErrProductNotFound) {
			log.Info().
				Uint64("hold_id", hold.ID).
				Uint64("product_id", hold.ProductID).
				Msg("product for expired hold not found, skipping")
			return nil
		}
		if err != nil {
			return err
		}

		// Re-read under lock; a concurrent sweep or order may have got here first
		locked, err := s.db.LockHold(tx, hold.ID)
		if errors.Is(err, types.ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if locked.Status != types.HoldStatusActive || !locked.IsExpiredAt(now) {
			return nil
		}

		if err := s.ledger.ReleaseLocked(ctx, tx, product, locked.Quantity); err != nil {
			return err
		}
		if err := s.db.MarkExpired(tx, locked); err != nil {
			return err
		}

		expired = true
		return nil
	})
	return expired, err
}
