package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusExpired  HoldStatus = "expired"
	HoldStatusConsumed HoldStatus = "consumed"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type WebhookStatus string

const (
	WebhookStatusSuccess WebhookStatus = "success"
	WebhookStatusFailed  WebhookStatus = "failed"
)

// Product carries the authoritative stock counters. Available stock is
// derived from them and never stored.
type Product struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	Name          string          `gorm:"size:255;not null" json:"name"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	TotalStock    int64           `gorm:"not null;default:0;check:chk_products_total_stock,total_stock >= 0" json:"total_stock"`
	ReservedStock int64           `gorm:"not null;default:0;check:chk_products_reserved_stock,reserved_stock >= 0 AND reserved_stock <= total_stock" json:"reserved_stock"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AvailableStock is the number of units that can still be reserved.
func (p *Product) AvailableStock() int64 {
	return p.TotalStock - p.ReservedStock
}

type Hold struct {
	ID        uint64     `gorm:"primaryKey" json:"id"`
	ProductID uint64     `gorm:"not null;index" json:"product_id"`
	Quantity  int64      `gorm:"not null;check:chk_holds_quantity,quantity > 0" json:"quantity"`
	Status    HoldStatus `gorm:"size:16;not null;default:active" json:"status"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsExpiredAt reports whether the hold's deadline has passed at now.
func (h *Hold) IsExpiredAt(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

type Order struct {
	ID         uint64          `gorm:"primaryKey" json:"id"`
	ProductID  uint64          `gorm:"not null;index" json:"product_id"`
	HoldID     uint64          `gorm:"not null;uniqueIndex:idx_orders_hold_id" json:"hold_id"`
	Quantity   int64           `gorm:"not null" json:"quantity"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_price"`
	Status     OrderStatus     `gorm:"size:16;not null;default:pending;index" json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PaymentWebhook records that a payment notification was applied. It is
// written in the same transaction as the order transition it proves.
type PaymentWebhook struct {
	IdempotencyKey string         `gorm:"primaryKey;size:255" json:"idempotency_key"`
	OrderID        uint64         `gorm:"not null;index" json:"order_id"`
	Status         WebhookStatus  `gorm:"size:16;not null" json:"status"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	ProcessedAt    time.Time      `gorm:"not null" json:"processed_at"`
}

// OrderStatus is the order state a recorded webhook left behind.
func (w *PaymentWebhook) OrderStatus() OrderStatus {
	if w.Status == WebhookStatusSuccess {
		return OrderStatusPaid
	}
	return OrderStatusCancelled
}
