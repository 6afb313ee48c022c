package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterProvider("acme-pay", "s3cret")

	token, err := service.GenerateToken(Credentials{APIKey: "acme-pay", APISecret: "s3cret"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)

	claims, err := service.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "acme-pay", claims.ClientID)
	assert.Equal(t, []string{PermissionWebhooks}, claims.Permissions)
}

func TestGenerateToken_InvalidCredentials(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterProvider("acme-pay", "s3cret")

	_, err := service.GenerateToken(Credentials{APIKey: "acme-pay", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.GenerateToken(Credentials{APIKey: "unknown", APISecret: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterProvider("acme-pay", "s3cret")
	token, err := issuer.GenerateToken(Credentials{APIKey: "acme-pay", APISecret: "s3cret"})
	require.NoError(t, err)

	_, err = NewService("secret-b").ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterProvider("acme-pay", "s3cret")
	service.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }

	token, err := service.GenerateToken(Credentials{APIKey: "acme-pay", APISecret: "s3cret"})
	require.NoError(t, err)

	service.now = time.Now
	_, err = service.ValidateToken(token.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsForeignTokens(t *testing.T) {
	service := NewService("test-secret")
	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "acme-pay",
	}

	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"
	noExpiry := valid
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		method jwt.SigningMethod
		claims Claims
	}{
		{"other algorithm", jwt.SigningMethodHS512, valid},
		{"other issuer", jwt.SigningMethodHS256, otherIssuer},
		{"no expiry", jwt.SigningMethodHS256, noExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(tt.method, tt.claims).SignedString([]byte("test-secret"))
			require.NoError(t, err)

			_, err = service.ValidateToken(signed)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssueTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := NewService("test-secret")
	service.RegisterProvider("acme-pay", "s3cret")

	router := gin.New()
	router.POST("/auth/token", NewGinHandlers(service).IssueTokenHandler())

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid credentials", `{"api_key":"acme-pay","api_secret":"s3cret"}`, http.StatusCreated},
		{"wrong secret", `{"api_key":"acme-pay","api_secret":"nope"}`, http.StatusUnauthorized},
		{"missing secret", `{"api_key":"acme-pay"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
