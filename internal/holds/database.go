package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

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

func (d *Database) CreateHold(tx *gorm.DB, hold *types.Hold) error {
	if err := tx.Create(hold).Error; err != nil {
		return fmt.Errorf("failed to create hold: %w", err)
	}
	return nil
}

func (d *Database) GetHold(ctx context.Context, holdID uint64) (*types.Hold, error) {
	var hold types.Hold
	if err := d.db.WithContext(ctx).First(&hold, holdID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// LockHold reads a hold and locks its row until tx ends.
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

// ExpiredHolds returns up to limit active holds whose deadline is at or
// before now, ordered by id and starting after afterID.
func (d *Database) ExpiredHolds(ctx context.Context, now time.Time, afterID uint64, limit int) ([]types.Hold, error) {
	var holds []types.Hold
	err := d.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ? AND id > ?", types.HoldStatusActive, now, afterID).
		Order("id").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select expired holds: %w", err)
	}
	return holds, nil
}

func (d *Database) MarkExpired(tx *gorm.DB, hold *types.Hold) error {
	result := tx.Model(hold).
		Where("status = ?", types.HoldStatusActive).
		Update("status", types.HoldStatusExpired)
	if result.Error != nil {
		return fmt.Errorf("failed to expire hold: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Errorf(types.ErrHoldNotActive, "hold %d is no longer active", hold.ID)
	}
	return nil
}
