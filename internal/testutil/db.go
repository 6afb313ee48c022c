// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewTestDB returns a migrated in-memory SQLite database private to the test.
// It uses a single connection, so transactions are serialised the way row
// locks serialise them on MySQL and Postgres.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// CreateProduct inserts a product with the given stock and price.
func CreateProduct(t *testing.T, db *gorm.DB, name string, price int64, totalStock int64) *types.Product {
	t.Helper()

	product := &types.Product{
		Name:       name,
		Price:      decimal.NewFromInt(price),
		TotalStock: totalStock,
	}
	require.NoError(t, db.Create(product).Error)
	return product
}

// ReloadProduct reads the current counters of a product.
func ReloadProduct(t *testing.T, db *gorm.DB, id uint64) *types.Product {
	t.Helper()

	var product types.Product
	require.NoError(t, db.First(&product, id).Error)
	return &product
}
