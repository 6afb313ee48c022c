package migrations

import (
	"fmt"

	"github.com/ksred/stockhold-api/internal/types"
	"gorm.io/gorm"
)

type index struct {
	model   interface{}
	name    string
	table   string
	columns string
}

// AddHoldExpiryIndex adds the composite indexes the expiry sweep and the
// webhook lookups filter on
func AddHoldExpiryIndex(db *gorm.DB) error {
	indexes := []index{
		// Sweep selects active holds whose deadline has passed
		{&types.Hold{}, "idx_holds_status_expires_at", "holds", "status, expires_at"},

		// Webhook records listed per order
		{&types.PaymentWebhook{}, "idx_payment_webhooks_order_processed", "payment_webhooks", "order_id, processed_at"},
	}

	// CREATE INDEX IF NOT EXISTS is not portable to MySQL, so check first
	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.model, idx.name) {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, idx.table, idx.columns)
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}
