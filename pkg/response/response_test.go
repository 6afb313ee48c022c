package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func handle(method string, data interface{}, err error) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandle_Success(t *testing.T) {
	rec := handle(http.MethodPost, gin.H{"id": 1}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode(t, rec).Success)

	rec = handle(http.MethodGet, gin.H{"id": 1}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandle_DomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", types.ErrInvalidQuantity, http.StatusBadRequest, "INVALID_QUANTITY"},
		{"not found", types.ErrProductNotFound, http.StatusNotFound, "PRODUCT_NOT_FOUND"},
		{"order not visible", types.ErrOrderNotVisible, http.StatusNotFound, "ORDER_NOT_VISIBLE"},
		{"insufficient stock", types.NewInsufficientStock(1, 2), http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK"},
		{"conflict", types.ErrHoldExpired, http.StatusConflict, "HOLD_EXPIRED"},
		{"wrapped conflict", fmt.Errorf("create order: %w", types.ErrHoldAlreadyUsed), http.StatusConflict, "HOLD_ALREADY_USED"},
		{"transient", types.Wrap(types.ErrTransient, errors.New("deadlock")), http.StatusServiceUnavailable, "TRANSIENT"},
		{"unavailable", types.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"duplicate key", gorm.ErrDuplicatedKey, http.StatusConflict, ErrCodeDuplicateResource},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := handle(http.MethodPost, nil, tt.err)
			assert.Equal(t, tt.status, rec.Code)

			body := decode(t, rec)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestHandle_DoesNotLeakCauses(t *testing.T) {
	rec := handle(http.MethodPost, nil, types.Wrap(types.ErrTransient, errors.New("Deadlock found when trying to get lock")))

	body := decode(t, rec)
	assert.NotContains(t, body.Error.Message, "Deadlock")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestOK(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	OK(c, gin.H{"message": "payment confirmed"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
