package orders

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/metrics"
	"github.com/ksred/stockhold-api/internal/tracing"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/ksred/stockhold-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var tracer = tracing.Tracer("orders")

type Service struct {
	db          *Database
	clock       clock.Clock
	maxAttempts int
}

func NewService(gormDB *gorm.DB, clk clock.Clock, maxAttempts int) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		clock:       clk,
		maxAttempts: maxAttempts,
	}
}

// CreateOrder converts an active, unexpired hold into a pending order and
// consumes the hold. The reserved stock stays reserved; it now backs the order.
func (s *Service) CreateOrder(ctx context.Context, holdID uint64) (order *types.Order, err error) {
	logger := log.With().
		Uint64("hold_id", holdID).
		Str("service", "orders").
		Logger()

	ctx, span := tracer.Start(ctx, "orders.CreateOrder")
	defer func() {
		metrics.OrdersCreated.WithLabelValues(metrics.Result(err)).Inc()
		tracing.End(span, err)
	}()

	err = database.Transaction(ctx, s.db.DB(), s.maxAttempts, func(ctx context.Context, tx *gorm.DB) error {
		hold, err := s.db.LockHold(tx, holdID)
		if err != nil {
			return err
		}

		if err := s.checkHold(tx, hold); err != nil {
			return err
		}

		product, err := s.db.GetProduct(tx, hold.ProductID)
		if err != nil {
			return err
		}

		order = &types.Order{
			ProductID:  hold.ProductID,
			HoldID:     hold.ID,
			Quantity:   hold.Quantity,
			TotalPrice: product.Price.Mul(decimal.NewFromInt(hold.Quantity)),
			Status:     types.OrderStatusPending,
		}
		return s.db.CreateOrderFromHold(tx, order, hold)
	})
	if err != nil {
		switch types.KindOf(err) {
		case types.KindConflict, types.KindNotFound:
			logger.Info().Err(err).Msg("order rejected")
		default:
			logger.Error().Err(err).Msg("failed to create order")
		}
		return nil, err
	}

	logger.Info().
		Uint64("order_id", order.ID).
		Str("total_price", order.TotalPrice.String()).
		Msg("order created")
	return order, nil
}

// checkHold rejects holds that can no longer become an order
func (s *Service) checkHold(tx *gorm.DB, hold *types.Hold) error {
	if hold.Status != types.HoldStatusActive {
		return types.Errorf(types.ErrHoldNotActive, "hold is %s", hold.Status)
	}

	if hold.IsExpiredAt(s.clock.Now()) {
		return types.ErrHoldExpired
	}

	used, err := s.db.OrderExistsForHold(tx, hold.ID)
	if err != nil {
		return err
	}
	if used {
		return types.ErrHoldAlreadyUsed
	}
	return nil
}

// GetOrder retrieves an order by ID
func (s *Service) GetOrder(ctx context.Context, orderID uint64) (*types.Order, error) {
	return s.db.GetOrder(ctx, orderID)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createOrderRequest struct {
	HoldID uint64 `json:"hold_id" binding:"required"`
}

func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request createOrderRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), request.HoldID)
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order id")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}
