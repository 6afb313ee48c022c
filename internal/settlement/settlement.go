package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/metrics"
	"github.com/ksred/stockhold-api/internal/tracing"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/ksred/stockhold-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = tracing.Tracer("settlement")

type Service struct {
	db           *Database
	ledger       *ledger.Ledger
	clock        clock.Clock
	maxAttempts  int
	waitAttempts int
	waitInitial  time.Duration
}

func NewService(gormDB *gorm.DB, stock *ledger.Ledger, clk clock.Clock, maxAttempts int, cfg config.WebhookConfig) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		ledger:       stock,
		clock:        clk,
		maxAttempts:  maxAttempts,
		waitAttempts: cfg.WaitAttempts,
		waitInitial:  cfg.WaitInitial,
	}
}

// ProcessWebhook applies a payment notification to its order exactly once.
// Redelivery of an applied key returns the stored outcome. A notification
// that overtakes its order waits briefly for the order to commit.
func (s *Service) ProcessWebhook(ctx context.Context, event *WebhookEvent) (result *types.WebhookResult, err error) {
	logger := log.With().
		Str("idempotency_key", event.IdempotencyKey).
		Uint64("order_id", event.OrderID).
		Str("payment_status", event.Status).
		Str("service", "settlement").
		Logger()

	ctx, span := tracer.Start(ctx, "settlement.ProcessWebhook")
	defer func() {
		metrics.WebhooksProcessed.WithLabelValues(outcomeLabel(result, err)).Inc()
		tracing.End(span, err)
	}()

	if err := event.validate(); err != nil {
		return nil, err
	}
	outcome, err := event.Outcome()
	if err != nil {
		return nil, err
	}

	existing, err := s.db.GetWebhook(s.db.DB().WithContext(ctx), event.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Info().Time("processed_at", existing.ProcessedAt).Msg("webhook already processed")
		return duplicateResult(existing), nil
	}

	if err := s.waitForOrder(ctx, logger, event.OrderID); err != nil {
		logger.Warn().Err(err).Msg("order not visible for webhook")
		return nil, err
	}

	var settled *types.WebhookResult
	err = database.Transaction(ctx, s.db.DB(), s.maxAttempts, func(ctx context.Context, tx *gorm.DB) error {
		var txErr error
		settled, txErr = s.settle(ctx, tx, event, outcome)
		return txErr
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent delivery of the same key committed first
		existing, lookupErr := s.db.GetWebhook(s.db.DB().WithContext(ctx), event.IdempotencyKey)
		if lookupErr == nil && existing != nil {
			logger.Info().Msg("webhook applied by concurrent delivery")
			return duplicateResult(existing), nil
		}
	}
	if err != nil {
		if types.KindOf(err) == types.KindConflict {
			logger.Info().Err(err).Msg("webhook rejected")
		} else {
			logger.Error().Err(err).Msg("failed to process webhook")
		}
		return nil, err
	}

	logger.Info().
		Str("order_status", string(settled.Status)).
		Bool("duplicate", settled.Duplicate).
		Msg("webhook processed")
	return settled, nil
}

// settle runs inside the transaction with the order row locked. The webhook
// record is written alongside the order transition it proves.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, event *WebhookEvent, outcome types.WebhookStatus) (*types.WebhookResult, error) {
	order, err := s.db.LockOrder(tx, event.OrderID)
	if err != nil {
		return nil, err
	}

	// Same-key deliveries serialise on the order lock; the later one sees the record
	existing, err := s.db.GetWebhook(tx, event.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return duplicateResult(existing), nil
	}

	if order.Status != types.OrderStatusPending {
		return nil, types.Errorf(types.ErrOrderAlreadyProcessed, "order already processed, current status is %s", order.Status)
	}

	message := messagePaid
	switch outcome {
	case types.WebhookStatusSuccess:
		if err := s.db.UpdateOrderStatus(tx, order, types.OrderStatusPaid); err != nil {
			return nil, err
		}
	case types.WebhookStatusFailed:
		_, err := s.ledger.Release(ctx, tx, order.ProductID, order.Quantity)
		if errors.Is(err, types.ErrProductNotFound) {
			log.Warn().
				Uint64("order_id", order.ID).
				Uint64("product_id", order.ProductID).
				Msg("product for cancelled order not found, nothing to release")
		} else if err != nil {
			return nil, err
		}
		if err := s.db.UpdateOrderStatus(tx, order, types.OrderStatusCancelled); err != nil {
			return nil, err
		}
		message = messageCancelled
	}

	record := &types.PaymentWebhook{
		IdempotencyKey: event.IdempotencyKey,
		OrderID:        order.ID,
		Status:         outcome,
		Payload:        datatypes.JSON(event.Payload),
		ProcessedAt:    s.clock.Now(),
	}
	if err := s.db.CreateWebhook(tx, record); err != nil {
		return nil, err
	}

	return &types.WebhookResult{
		Message:     message,
		OrderID:     order.ID,
		Status:      order.Status,
		ProcessedAt: record.ProcessedAt,
	}, nil
}

// waitForOrder polls for the order with doubling delays and looks once more
// after the last delay. Cancelling ctx ends the wait early.
func (s *Service) waitForOrder(ctx context.Context, logger zerolog.Logger, orderID uint64) error {
	start := time.Now()
	defer metrics.ObserveSince(metrics.OrderWait, start)

	delay := s.waitInitial
	for attempt := 1; attempt <= s.waitAttempts; attempt++ {
		found, err := s.db.OrderExists(ctx, orderID)
		if err != nil {
			return err
		}
		if found {
			return nil
		}

		logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("order not visible yet, waiting")

		select {
		case <-ctx.Done():
			return types.Wrap(types.ErrUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	found, err := s.db.OrderExists(ctx, orderID)
	if err != nil {
		return err
	}
	if !found {
		return types.ErrOrderNotVisible
	}
	return nil
}

// GetOrderWebhooks lists the notifications applied to an order
func (s *Service) GetOrderWebhooks(ctx context.Context, orderID uint64) ([]types.PaymentWebhook, error) {
	return s.db.ListWebhooks(ctx, orderID)
}

func outcomeLabel(result *types.WebhookResult, err error) string {
	switch {
	case err != nil:
		return types.KindOf(err).String()
	case result.Duplicate:
		return "duplicate"
	default:
		return string(result.Status)
	}
}

// GinHandlers contains HTTP handlers for payment webhook endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "unable to read request body")
			return
		}

		event, err := ParseWebhookEvent(body)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		result, err := h.service.ProcessWebhook(c.Request.Context(), event)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, result)
	}
}

func (h *GinHandlers) GetOrderWebhooksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order id")
			return
		}

		records, err := h.service.GetOrderWebhooks(c.Request.Context(), orderID)
		response.Handle(c, records, err)
	}
}
