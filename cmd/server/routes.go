package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/stockhold-api/internal/auth"
	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/holds"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/metrics"
	"github.com/ksred/stockhold-api/internal/orders"
	"github.com/ksred/stockhold-api/internal/products"
	"github.com/ksred/stockhold-api/internal/settlement"
	"github.com/ksred/stockhold-api/pkg/middleware"
	"github.com/ksred/stockhold-api/pkg/response"
)

type app struct {
	router     *gin.Engine
	settlement *settlement.Service
}

// newApp builds the services over db and mounts them on a router
func newApp(db *gorm.DB, productCache cache.ProductCache, clk clock.Clock, cfg *config.Config) *app {
	stock := ledger.New(productCache)

	productService := products.NewService(db, productCache)
	holdService := holds.NewService(db, stock, clk, cfg.Holds)
	orderService := orders.NewService(db, clk, cfg.Holds.MaxAttempts)
	settlementService := settlement.NewService(db, stock, clk, cfg.Holds.MaxAttempts, cfg.Webhook)

	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService = auth.NewService(cfg.Auth.JWTSecret)
		for apiKey, apiSecret := range cfg.Auth.Providers {
			authService.RegisterProvider(apiKey, apiSecret)
		}
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)

	router.GET("/healthz", healthHandler(db))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	setupRoutes(
		router,
		middleware.RateLimit(middleware.DefaultLimits()),
		authService,
		products.NewGinHandlers(productService),
		holds.NewGinHandlers(holdService),
		orders.NewGinHandlers(orderService),
		settlement.NewGinHandlers(settlementService),
	)

	return &app{
		router:     router,
		settlement: settlementService,
	}
}

// setupRoutes configures all API endpoints and their handlers.
// The webhook route is protected by JWT only when an auth service is given,
// and is rate limited after authentication so providers get their own bucket.
func setupRoutes(
	router *gin.Engine,
	limiter gin.HandlerFunc,
	authService *auth.Service,
	productHandlers *products.GinHandlers,
	holdHandlers *holds.GinHandlers,
	orderHandlers *orders.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/products/:product_id", limiter, productHandlers.GetProductHandler())

		holdRoutes := v1.Group("/holds")
		holdRoutes.Use(limiter)
		{
			holdRoutes.POST("", holdHandlers.CreateHoldHandler())
			holdRoutes.GET("/:hold_id", holdHandlers.GetHoldHandler())
		}

		orderRoutes := v1.Group("/orders")
		orderRoutes.Use(limiter)
		{
			orderRoutes.POST("", orderHandlers.CreateOrderHandler())
			orderRoutes.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderRoutes.GET("/:order_id/webhooks", settlementHandlers.GetOrderWebhooksHandler())
		}

		payments := v1.Group("/payments")
		if authService != nil {
			v1.POST("/auth/token", limiter, auth.NewGinHandlers(authService).IssueTokenHandler())
			payments.Use(middleware.JWTAuth(authService))
		}
		payments.Use(limiter)
		payments.POST("/webhook", settlementHandlers.WebhookHandler())
	}
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, response.Response{
				Success: false,
				Error:   &response.Error{Code: response.ErrCodeInternalError, Message: "database unreachable"},
			})
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	}
}
