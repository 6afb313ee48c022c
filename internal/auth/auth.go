package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/stockhold-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// PermissionWebhooks allows posting payment notifications
const PermissionWebhooks = "webhooks"

const (
	issuer   = "stockhold"
	tokenTTL = 24 * time.Hour
)

// Credentials are the key pair a payment provider is registered with.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims carry the provider a webhook token was issued to. ClientID is the
// provider's API key and doubles as its rate limit bucket.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// Service holds the registered payment providers and signs their webhook
// tokens with HS256.
type Service struct {
	signingKey []byte
	providers  map[string][]byte // API key to secret
	now        func() time.Time
}

func NewService(signingKey string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		providers:  make(map[string][]byte),
		now:        time.Now,
	}
}

// RegisterProvider allows apiKey to exchange apiSecret for a token.
// Registration happens at startup, before the service handles requests.
func (s *Service) RegisterProvider(apiKey, apiSecret string) {
	s.providers[apiKey] = []byte(apiSecret)
}

// GenerateToken signs a webhook token valid for 24 hours.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.authenticate(creds) {
		return nil, ErrInvalidCredentials
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   creds.APIKey,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
		ClientID:    creds.APIKey,
		Permissions: []string{PermissionWebhooks},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}
	return &TokenResponse{Token: signed, Expiration: expiresAt}, nil
}

// ValidateToken accepts only HS256 tokens from this issuer that carry an
// expiry still in the future.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (s *Service) authenticate(creds Credentials) bool {
	secret, ok := s.providers[creds.APIKey]
	return ok && subtle.ConstantTimeCompare(secret, []byte(creds.APISecret)) == 1
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// IssueTokenHandler serves POST /auth/token.
func (h *GinHandlers) IssueTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "api_key and api_secret are required")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
