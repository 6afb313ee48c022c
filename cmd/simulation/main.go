package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/clock"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/holds"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/orders"
	"github.com/ksred/stockhold-api/internal/products"
	"github.com/ksred/stockhold-api/internal/settlement"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/ksred/stockhold-api/pkg/middleware"
)

const (
	initialStock  = 50
	numBuyers     = 20
	maxPerHold    = 3
	failureRate   = 0.3
	redeliveries  = 2
	serverAddress = "127.0.0.1:8089"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is a non-2xx answer from the API
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient handles HTTP communication with the stock API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"hold":    {name: "Create Hold"},
			"order":   {name: "Create Order"},
			"webhook": {name: "Payment Webhook"},
			"product": {name: "Get Product"},
		},
	}
}

// call sends a JSON request and decodes the envelope's data into out
func (sc *simulationClient) call(route, method, path string, body, out interface{}) error {
	start := time.Now()
	var callErr error
	defer func() {
		sc.stats[route].record(time.Since(start), callErr != nil)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		callErr = err
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		callErr = err
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		callErr = fmt.Errorf("failed to read response body: %w", err)
		return callErr
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		callErr = fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		return callErr
	}

	if !envelope.Success {
		apiErr := &apiError{Status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		// Stock running out is an expected answer, not a failed call
		if apiErr.Code != "INSUFFICIENT_STOCK" {
			callErr = apiErr
		}
		return apiErr
	}

	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) createHold(productID uint64, qty int64) (*types.Hold, error) {
	var hold types.Hold
	err := sc.call("hold", http.MethodPost, "/api/v1/holds", gin.H{"product_id": productID, "quantity": qty}, &hold)
	return &hold, err
}

func (sc *simulationClient) createOrder(holdID uint64) (*types.Order, error) {
	var order types.Order
	err := sc.call("order", http.MethodPost, "/api/v1/orders", gin.H{"hold_id": holdID}, &order)
	return &order, err
}

func (sc *simulationClient) sendWebhook(key string, orderID uint64, status string) (*types.WebhookResult, error) {
	var result types.WebhookResult
	err := sc.call("webhook", http.MethodPost, "/api/v1/payments/webhook",
		gin.H{"idempotency_key": key, "order_id": orderID, "status": status}, &result)
	return &result, err
}

func (sc *simulationClient) getProduct(productID uint64) (*types.ProductSummary, error) {
	var summary types.ProductSummary
	err := sc.call("product", http.MethodGet, fmt.Sprintf("/api/v1/products/%d", productID), nil, &summary)
	return &summary, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, route := range []string{"hold", "order", "webhook", "product"} {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationStats counts outcomes across all buyers
type simulationStats struct {
	holdsCreated   atomic.Int64
	unitsHeld      atomic.Int64
	soldOut        atomic.Int64
	ordersCreated  atomic.Int64
	paid           atomic.Int64
	unitsPaid      atomic.Int64
	cancelled      atomic.Int64
	duplicates     atomic.Int64
	unexpectedErrs atomic.Int64
}

// main runs the checkout contention simulation
// It starts a local API server over a fresh store and lets concurrent buyers
// compete for a single product until it sells out
func main() {
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	product := &types.Product{
		Name:       "Limited Edition Sneaker",
		Price:      decimal.RequireFromString("189.99"),
		TotalStock: initialStock,
	}
	if err := db.Create(product).Error; err != nil {
		log.Fatal().Err(err).Msg("Failed to seed product")
	}

	srv := &http.Server{
		Addr:    serverAddress,
		Handler: newRouter(db),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	// Wait for server to start
	time.Sleep(500 * time.Millisecond)

	simClient := newSimulationClient("http://" + serverAddress)
	stats := &simulationStats{}
	start := time.Now()

	log.Info().
		Uint64("product_id", product.ID).
		Int("stock", initialStock).
		Int("buyers", numBuyers).
		Msg("Starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < numBuyers; i++ {
		wg.Add(1)
		go func(buyerID int) {
			defer wg.Done()
			runBuyer(buyerID, product.ID, simClient, stats)
		}(i)
	}
	wg.Wait()

	summary, err := simClient.getProduct(product.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read final stock")
	}

	duration := time.Since(start)
	expectedAvailable := initialStock - stats.unitsPaid.Load()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CHECKOUT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Holds created:      %d (%d units)
Sold out answers:   %d
Orders created:     %d
Paid:               %d (%d units)
Cancelled:          %d
Duplicate webhooks: %d
Unexpected errors:  %d
Available stock:    %d (expected %d)
Duration:           %v
`,
		stats.holdsCreated.Load(), stats.unitsHeld.Load(),
		stats.soldOut.Load(),
		stats.ordersCreated.Load(),
		stats.paid.Load(), stats.unitsPaid.Load(),
		stats.cancelled.Load(),
		stats.duplicates.Load(),
		stats.unexpectedErrs.Load(),
		summary.AvailableStock, expectedAvailable,
		duration.Round(time.Millisecond))

	simClient.printPerformanceStats()

	if summary.AvailableStock != expectedAvailable {
		log.Fatal().
			Int64("available", summary.AvailableStock).
			Int64("expected", expectedAvailable).
			Msg("Stock accounting mismatch")
	}
	log.Info().Dur("duration", duration).Msg("Simulation completed")
}

// runBuyer keeps checking out until the product is sold out. Each payment
// notification is delivered more than once to exercise idempotency.
func runBuyer(buyerID int, productID uint64, sc *simulationClient, stats *simulationStats) {
	logger := log.With().Int("buyer_id", buyerID).Logger()

	for {
		qty := int64(rand.Intn(maxPerHold) + 1)
		hold, err := sc.createHold(productID, qty)
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Code == "INSUFFICIENT_STOCK" {
				stats.soldOut.Add(1)
				if qty == 1 {
					logger.Info().Msg("Product sold out")
					return
				}
				continue
			}
			logger.Error().Err(err).Msg("Failed to create hold")
			stats.unexpectedErrs.Add(1)
			return
		}
		stats.holdsCreated.Add(1)
		stats.unitsHeld.Add(qty)

		order, err := sc.createOrder(hold.ID)
		if err != nil {
			logger.Error().Err(err).Uint64("hold_id", hold.ID).Msg("Failed to create order")
			stats.unexpectedErrs.Add(1)
			continue
		}
		stats.ordersCreated.Add(1)

		status := "success"
		if rand.Float64() < failureRate {
			status = "failure"
		}

		key := uuid.New().String()
		for attempt := 0; attempt < redeliveries; attempt++ {
			result, err := sc.sendWebhook(key, order.ID, status)
			if err != nil {
				logger.Error().Err(err).Uint64("order_id", order.ID).Msg("Failed to deliver webhook")
				stats.unexpectedErrs.Add(1)
				break
			}
			if result.Duplicate {
				stats.duplicates.Add(1)
				continue
			}

			switch result.Status {
			case types.OrderStatusPaid:
				stats.paid.Add(1)
				stats.unitsPaid.Add(order.Quantity)
			case types.OrderStatusCancelled:
				stats.cancelled.Add(1)
			}
			logger.Info().
				Uint64("order_id", order.ID).
				Int64("quantity", order.Quantity).
				Str("status", string(result.Status)).
				Msg("Order settled")
		}

		// Random pause between checkouts
		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}

// newRouter mounts the stock services without auth or rate limiting so the
// simulation measures contention only
func newRouter(db *gorm.DB) *gin.Engine {
	cfg := config.Default()
	clk := clock.NewSystem()
	stock := ledger.New(cache.NoopCache{})

	productHandlers := products.NewGinHandlers(products.NewService(db, cache.NoopCache{}))
	holdHandlers := holds.NewGinHandlers(holds.NewService(db, stock, clk, cfg.Holds))
	orderHandlers := orders.NewGinHandlers(orders.NewService(db, clk, cfg.Holds.MaxAttempts))
	settlementHandlers := settlement.NewGinHandlers(settlement.NewService(db, stock, clk, cfg.Holds.MaxAttempts, cfg.Webhook))

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products/:product_id", productHandlers.GetProductHandler())
		v1.POST("/holds", holdHandlers.CreateHoldHandler())
		v1.POST("/orders", orderHandlers.CreateOrderHandler())
		v1.POST("/payments/webhook", settlementHandlers.WebhookHandler())
	}
	return router
}
