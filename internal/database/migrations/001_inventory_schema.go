package migrations

import (
	"github.com/ksred/stockhold-api/internal/types"
	"gorm.io/gorm"
)

// CreateInventorySchema creates the product, hold, order and webhook tables.
// Column constraints (stock bounds, unique hold per order, webhook
// idempotency key) are declared on the models.
func CreateInventorySchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Product{},
		&types.Hold{},
		&types.Order{},
		&types.PaymentWebhook{},
	)
}
