package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/stockhold-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) DB() *gorm.DB {
	return d.db
}

// GetWebhook returns the record for key, or nil when none exists.
func (d *Database) GetWebhook(tx *gorm.DB, key string) (*types.PaymentWebhook, error) {
	var record types.PaymentWebhook
	if err := tx.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch webhook record: %w", err)
	}
	return &record, nil
}

func (d *Database) OrderExists(ctx context.Context, orderID uint64) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&types.Order{}).Where("id = ?", orderID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up order: %w", err)
	}
	return count > 0, nil
}

func (d *Database) LockOrder(tx *gorm.DB, orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrderStatus(tx *gorm.DB, order *types.Order, status types.OrderStatus) error {
	if err := tx.Model(order).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	order.Status = status
	return nil
}

func (d *Database) CreateWebhook(tx *gorm.DB, record *types.PaymentWebhook) error {
	return tx.Create(record).Error
}

// ListWebhooks returns every record applied to an order, oldest first.
func (d *Database) ListWebhooks(ctx context.Context, orderID uint64) ([]types.PaymentWebhook, error) {
	var records []types.PaymentWebhook
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("processed_at").
		Find(&records).Error
	return records, err
}
