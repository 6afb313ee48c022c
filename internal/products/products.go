package products

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/ksred/stockhold-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Service serves product summaries through the product cache. The stock
// ledger invalidates entries whenever counters change.
type Service struct {
	db    *gorm.DB
	cache cache.ProductCache
	group singleflight.Group
}

func NewService(db *gorm.DB, productCache cache.ProductCache) *Service {
	if productCache == nil {
		productCache = cache.NoopCache{}
	}
	return &Service{
		db:    db,
		cache: productCache,
	}
}

// GetProduct returns the cached summary or loads it from the database.
// Concurrent misses for one product share a single load. Cache failures
// fall back to the database.
func (s *Service) GetProduct(ctx context.Context, productID uint64) (*types.ProductSummary, error) {
	logger := log.With().Uint64("product_id", productID).Str("service", "products").Logger()

	summary, err := s.cache.Get(ctx, productID)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn().Err(err).Msg("product cache read failed")
	}

	v, err, _ := s.group.Do(strconv.FormatUint(productID, 10), func() (interface{}, error) {
		var product types.Product
		if err := s.db.WithContext(ctx).First(&product, productID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, types.ErrProductNotFound
			}
			return nil, err
		}

		summary := types.NewProductSummary(&product)
		if err := s.cache.Set(ctx, summary); err != nil {
			logger.Warn().Err(err).Msg("product cache write failed")
		}
		return summary, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ProductSummary), nil
}

// GinHandlers contains HTTP handlers for product endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productID, err := strconv.ParseUint(c.Param("product_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid product id")
			return
		}

		product, err := h.service.GetProduct(c.Request.Context(), productID)
		response.Handle(c, product, err)
	}
}
