package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := NewDatabase(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql lock wait timeout", &mysql.MySQLError{Number: 1205}, true},
		{"mysql duplicate entry", &mysql.MySQLError{Number: 1062}, false},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"postgres serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"postgres lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"wrapped", fmt.Errorf("update: %w", &mysql.MySQLError{Number: 1213}), true},
		{"domain transient", types.ErrTransient, true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransaction_RetriesTransientFailures(t *testing.T) {
	db := openTestDB(t)

	attempts := 0
	hookRuns := 0
	err := Transaction(context.Background(), db, 3, func(ctx context.Context, tx *gorm.DB) error {
		attempts++
		AfterCommit(ctx, func() { hookRuns++ })
		if attempts < 3 {
			return &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, hookRuns, "hooks from rolled back attempts must not run")
}

func TestTransaction_GivesUpAfterMaxAttempts(t *testing.T) {
	db := openTestDB(t)

	attempts := 0
	err := Transaction(context.Background(), db, 3, func(ctx context.Context, tx *gorm.DB) error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, types.KindTransient, types.KindOf(err))
}

func TestTransaction_DoesNotRetryDomainErrors(t *testing.T) {
	db := openTestDB(t)

	attempts := 0
	err := Transaction(context.Background(), db, 3, func(ctx context.Context, tx *gorm.DB) error {
		attempts++
		return types.ErrHoldNotFound
	})

	assert.ErrorIs(t, err, types.ErrHoldNotFound)
	assert.Equal(t, 1, attempts)
}

func TestTransaction_RollsBackWrites(t *testing.T) {
	db := openTestDB(t)

	err := Transaction(context.Background(), db, 1, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&types.Product{Name: "Desk", Price: decimal.NewFromInt(10), TotalStock: 1}).Error; err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&types.Product{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAfterCommit_RunsImmediatelyOutsideTransaction(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestTransaction_StopsWhenContextCancelled(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Transaction(ctx, db, 3, func(txCtx context.Context, tx *gorm.DB) error {
		attempts++
		cancel()
		return &mysql.MySQLError{Number: 1205}
	})

	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.Equal(t, 1, attempts)
}

func TestSchemaConstraints(t *testing.T) {
	db := openTestDB(t)

	t.Run("reserved stock cannot exceed total", func(t *testing.T) {
		err := db.Create(&types.Product{Name: "Chair", Price: decimal.NewFromInt(5), TotalStock: 1, ReservedStock: 2}).Error
		assert.Error(t, err)
	})

	t.Run("one order per hold", func(t *testing.T) {
		first := &types.Order{ProductID: 1, HoldID: 42, Quantity: 1, TotalPrice: decimal.NewFromInt(5), Status: types.OrderStatusPending}
		require.NoError(t, db.Create(first).Error)

		second := &types.Order{ProductID: 1, HoldID: 42, Quantity: 1, TotalPrice: decimal.NewFromInt(5), Status: types.OrderStatusPending}
		assert.ErrorIs(t, db.Create(second).Error, gorm.ErrDuplicatedKey)
	})

	t.Run("one webhook per idempotency key", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, db.Create(&types.PaymentWebhook{IdempotencyKey: "evt_1", OrderID: 1, Status: types.WebhookStatusSuccess, ProcessedAt: now}).Error)
		err := db.Create(&types.PaymentWebhook{IdempotencyKey: "evt_1", OrderID: 1, Status: types.WebhookStatusFailed, ProcessedAt: now}).Error
		assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	})
}
