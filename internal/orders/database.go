package orders

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

func (d *Database) GetOrder(ctx context.Context, orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) LockHold(tx *gorm.DB, holdID uint64) (*types.Hold, error) {
	var hold types.Hold
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&hold, holdID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

func (d *Database) OrderExistsForHold(tx *gorm.DB, holdID uint64) (bool, error) {
	var count int64
	if err := tx.Model(&types.Order{}).Where("hold_id = ?", holdID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *Database) GetProduct(tx *gorm.DB, productID uint64) (*types.Product, error) {
	var product types.Product
	if err := tx.First(&product, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// CreateOrderFromHold inserts the order and consumes the hold in tx. A
// second order for the same hold is rejected by the unique hold_id index.
func (d *Database) CreateOrderFromHold(tx *gorm.DB, order *types.Order, hold *types.Hold) error {
	if err := tx.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.ErrHoldAlreadyUsed
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	if err := tx.Model(hold).Update("status", types.HoldStatusConsumed).Error; err != nil {
		return fmt.Errorf("failed to consume hold: %w", err)
	}
	return nil
}
