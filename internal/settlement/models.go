package settlement

import (
	"encoding/json"
	"strings"

	"github.com/ksred/stockhold-api/internal/types"
)

const maxIdempotencyKeyLen = 255

// WebhookEvent is one payment notification from the provider. Payload keeps
// the raw notification body so it can be stored verbatim.
type WebhookEvent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OrderID        uint64          `json:"order_id"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"-"`
}

// Outcome normalises the provider's status. "failure" and "failed" are
// both accepted for a declined payment.
func (e *WebhookEvent) Outcome() (types.WebhookStatus, error) {
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case "success":
		return types.WebhookStatusSuccess, nil
	case "failure", "failed":
		return types.WebhookStatusFailed, nil
	default:
		return "", types.Errorf(types.ErrInvalidStatus, "unsupported payment status %q", e.Status)
	}
}

func (e *WebhookEvent) validate() error {
	if strings.TrimSpace(e.IdempotencyKey) == "" || e.OrderID == 0 {
		return types.ErrInvalidWebhook
	}
	if len(e.IdempotencyKey) > maxIdempotencyKeyLen {
		return types.Errorf(types.ErrInvalidWebhook, "idempotency key longer than %d characters", maxIdempotencyKeyLen)
	}
	return nil
}

// ParseWebhookEvent decodes a notification body and keeps the body as payload.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, types.Errorf(types.ErrInvalidWebhook, "malformed webhook body: %v", err)
	}
	event.Payload = json.RawMessage(body)
	return &event, nil
}

const (
	messagePaid      = "payment confirmed"
	messageCancelled = "payment failed, order cancelled"
	messageDuplicate = "webhook already processed"
)

func duplicateResult(record *types.PaymentWebhook) *types.WebhookResult {
	return &types.WebhookResult{
		Message:     messageDuplicate,
		OrderID:     record.OrderID,
		Status:      record.OrderStatus(),
		Duplicate:   true,
		ProcessedAt: record.ProcessedAt,
	}
}
