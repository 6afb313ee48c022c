// Package ledger owns the stock counters of a product. Every mutation runs
// inside the caller's transaction on a row locked with SELECT ... FOR UPDATE
// and keeps 0 <= reserved_stock <= total_stock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const invalidateTimeout = 2 * time.Second

type Ledger struct {
	cache cache.ProductCache
}

func New(productCache cache.ProductCache) *Ledger {
	if productCache == nil {
		productCache = cache.NoopCache{}
	}
	return &Ledger{cache: productCache}
}

// LockProduct reads a product and holds an exclusive lock on its row until
// tx ends.
func (l *Ledger) LockProduct(ctx context.Context, tx *gorm.DB, productID uint64) (*types.Product, error) {
	var product types.Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&product, productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}
	return &product, nil
}

// Reserve locks the product and moves qty units from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uint64, qty int64) (*types.Product, error) {
	product, err := l.LockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := l.ReserveLocked(ctx, tx, product, qty); err != nil {
		return nil, err
	}
	return product, nil
}

// ReserveLocked reserves qty units on a product already locked by tx and
// updates product in place.
func (l *Ledger) ReserveLocked(ctx context.Context, tx *gorm.DB, product *types.Product, qty int64) error {
	if qty <= 0 {
		return types.ErrInvalidQuantity
	}
	if available := product.AvailableStock(); qty > available {
		return types.NewInsufficientStock(available, qty)
	}

	if err := l.setReserved(tx, product, product.ReservedStock+qty); err != nil {
		return err
	}
	l.invalidate(ctx, product.ID)
	return nil
}

// Release locks the product and returns qty reserved units to available.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, productID uint64, qty int64) (*types.Product, error) {
	product, err := l.LockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if err := l.ReleaseLocked(ctx, tx, product, qty); err != nil {
		return nil, err
	}
	return product, nil
}

// ReleaseLocked releases qty units on a product already locked by tx. The
// reserved counter never drops below zero.
func (l *Ledger) ReleaseLocked(ctx context.Context, tx *gorm.DB, product *types.Product, qty int64) error {
	if qty <= 0 {
		return types.ErrInvalidQuantity
	}

	reserved := product.ReservedStock - qty
	if reserved < 0 {
		log.Warn().
			Uint64("product_id", product.ID).
			Int64("reserved_stock", product.ReservedStock).
			Int64("quantity", qty).
			Msg("release exceeds reserved stock, flooring at zero")
		reserved = 0
	}

	if err := l.setReserved(tx, product, reserved); err != nil {
		return err
	}
	l.invalidate(ctx, product.ID)
	return nil
}

func (l *Ledger) setReserved(tx *gorm.DB, product *types.Product, reserved int64) error {
	if err := tx.Model(product).Update("reserved_stock", reserved).Error; err != nil {
		return fmt.Errorf("failed to update reserved stock: %w", err)
	}
	product.ReservedStock = reserved
	return nil
}

// invalidate drops the cached summary once the surrounding transaction
// commits. A failed delete only leaves a stale entry until its TTL.
func (l *Ledger) invalidate(ctx context.Context, productID uint64) {
	database.AfterCommit(ctx, func() {
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
		defer cancel()

		if err := l.cache.Delete(delCtx, productID); err != nil {
			log.Warn().Err(err).Uint64("product_id", productID).Msg("failed to invalidate product cache")
		}
	})
}
