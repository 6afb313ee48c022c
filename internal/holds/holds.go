package holds

import (
	"context"
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
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var tracer = tracing.Tracer("holds")

type Service struct {
	db           *Database
	ledger       *ledger.Ledger
	clock        clock.Clock
	holdDuration time.Duration
	maxAttempts  int
}

func NewService(gormDB *gorm.DB, stock *ledger.Ledger, clk clock.Clock, cfg config.HoldsConfig) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		ledger:       stock,
		clock:        clk,
		holdDuration: cfg.Duration,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// CreateHold reserves qty units of a product for holdDuration. The product
// row is locked for the whole check-and-reserve, and the transaction is
// retried when the store aborts it under contention.
func (s *Service) CreateHold(ctx context.Context, productID uint64, qty int64) (hold *types.Hold, err error) {
	logger := log.With().
		Uint64("product_id", productID).
		Int64("quantity", qty).
		Str("service", "holds").
		Logger()

	ctx, span := tracer.Start(ctx, "holds.CreateHold")
	defer func() {
		metrics.HoldsCreated.WithLabelValues(metrics.Result(err)).Inc()
		tracing.End(span, err)
	}()

	if qty <= 0 {
		return nil, types.ErrInvalidQuantity
	}

	err = database.Transaction(ctx, s.db.DB(), s.maxAttempts, func(ctx context.Context, tx *gorm.DB) error {
		product, err := s.ledger.LockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		if err := s.ledger.ReserveLocked(ctx, tx, product, qty); err != nil {
			return err
		}

		hold = &types.Hold{
			ProductID: productID,
			Quantity:  qty,
			Status:    types.HoldStatusActive,
			ExpiresAt: s.clock.Now().Add(s.holdDuration),
		}
		return s.db.CreateHold(tx, hold)
	})
	if err != nil {
		switch types.KindOf(err) {
		case types.KindInsufficientStock, types.KindNotFound:
			logger.Info().Err(err).Msg("hold rejected")
		default:
			logger.Error().Err(err).Msg("failed to create hold")
		}
		return nil, err
	}

	logger.Info().
		Uint64("hold_id", hold.ID).
		Time("expires_at", hold.ExpiresAt).
		Msg("hold created")
	return hold, nil
}

// GetHold retrieves a hold by ID
func (s *Service) GetHold(ctx context.Context, holdID uint64) (*types.Hold, error) {
	return s.db.GetHold(ctx, holdID)
}

// GinHandlers contains HTTP handlers for hold endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createHoldRequest struct {
	ProductID uint64 `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,gt=0"`
}

func (h *GinHandlers) CreateHoldHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request createHoldRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		hold, err := h.service.CreateHold(c.Request.Context(), request.ProductID, request.Quantity)
		response.Handle(c, hold, err)
	}
}

func (h *GinHandlers) GetHoldHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holdID, err := strconv.ParseUint(c.Param("hold_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid hold id")
			return
		}

		hold, err := h.service.GetHold(c.Request.Context(), holdID)
		response.Handle(c, hold, err)
	}
}
