package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/stockhold-api/internal/auth"
	"github.com/ksred/stockhold-api/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits holds the per-client request rates by route family
type Limits struct {
	Auth     rate.Limit
	Holds    rate.Limit
	Orders   rate.Limit
	Webhooks rate.Limit
	Burst    int
}

// DefaultLimits applies to a single client IP or provider
func DefaultLimits() Limits {
	return Limits{
		Auth:     rate.Limit(10.0 / 60.0),   // 10 requests per minute
		Holds:    rate.Limit(600.0 / 60.0),  // 600 requests per minute
		Orders:   rate.Limit(600.0 / 60.0),  // 600 requests per minute
		Webhooks: rate.Limit(6000.0 / 60.0), // 6000 requests per minute
		Burst:    20,
	}
}

type limiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
}

func (s *limiterStore) limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return s.limits.Auth
	case strings.HasPrefix(path, "/api/v1/holds"):
		return s.limits.Holds
	case strings.HasPrefix(path, "/api/v1/orders"):
		return s.limits.Orders
	case strings.HasPrefix(path, "/api/v1/payments"):
		return s.limits.Webhooks
	default:
		return rate.Inf // No limit for other paths
	}
}

func (s *limiterStore) get(path, clientID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientID + ":" + path
	v, exists := s.visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(s.limitFor(path), s.limits.Burst),
		}
		s.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanup drops visitors idle for longer than maxIdle
func (s *limiterStore) cleanup(maxIdle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, v := range s.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(s.visitors, key)
		}
	}
}

// RateLimit throttles each client per route family. Mounted after JWTAuth
// it keys on the authenticated provider; otherwise it keys on the client IP.
func RateLimit(limits Limits) gin.HandlerFunc {
	store := &limiterStore{
		visitors: make(map[string]*visitor),
		limits:   limits,
	}

	go func() {
		for {
			time.Sleep(time.Minute)
			store.cleanup(3 * time.Minute)
		}
	}()

	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := store.get(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks a bearer token and returns its claims
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and exposes its client ID as
// "clientID" in the request context
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if claims.ClientID == "" {
			response.Unauthorized(c, "Missing required claim: client_id")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}
