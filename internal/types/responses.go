package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductSummary is the public, cacheable view of a product
type ProductSummary struct {
	ID             uint64          `json:"id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	AvailableStock int64           `json:"available_stock"`
}

// NewProductSummary builds the public view from a stored product
func NewProductSummary(p *Product) *ProductSummary {
	return &ProductSummary{
		ID:             p.ID,
		Name:           p.Name,
		Price:          p.Price,
		AvailableStock: p.AvailableStock(),
	}
}

// WebhookResult represents the outcome of a payment notification.
// Duplicate deliveries return the original ProcessedAt.
type WebhookResult struct {
	Message     string      `json:"message"`
	OrderID     uint64      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	Duplicate   bool        `json:"duplicate"`
	ProcessedAt time.Time   `json:"processed_at"`
}
