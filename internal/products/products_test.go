package products

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ksred/stockhold-api/internal/cache"
	"github.com/ksred/stockhold-api/internal/database"
	"github.com/ksred/stockhold-api/internal/ledger"
	"github.com/ksred/stockhold-api/internal/testutil"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRedis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisCache(client, cache.DefaultTTL), mr
}

func TestGetProduct_ReadThrough(t *testing.T) {
	db := testutil.NewTestDB(t)
	redisCache, mr := setupRedis(t)
	service := NewService(db, redisCache)
	product := testutil.CreateProduct(t, db, "Iphone 17", 1100, 100)

	summary, err := service.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)

	assert.Equal(t, "Iphone 17", summary.Name)
	assert.Equal(t, int64(100), summary.AvailableStock)
	assert.True(t, mr.Exists(cache.ProductKey(product.ID)))
	assert.Equal(t, cache.DefaultTTL, mr.TTL(cache.ProductKey(product.ID)))
}

func TestGetProduct_ServesFromCache(t *testing.T) {
	db := testutil.NewTestDB(t)
	redisCache, _ := setupRedis(t)
	service := NewService(db, redisCache)
	product := testutil.CreateProduct(t, db, "Iphone 17", 1100, 100)

	_, err := service.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)

	// Bypass the ledger so the cache is not invalidated
	require.NoError(t, db.Model(product).Update("reserved_stock", 40).Error)

	summary, err := service.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.AvailableStock)
}

func TestGetProduct_LedgerInvalidates(t *testing.T) {
	db := testutil.NewTestDB(t)
	redisCache, mr := setupRedis(t)
	service := NewService(db, redisCache)
	stock := ledger.New(redisCache)
	product := testutil.CreateProduct(t, db, "Lenovo Laptop", 1400, 5)
	ctx := context.Background()

	_, err := service.GetProduct(ctx, product.ID)
	require.NoError(t, err)

	err = database.Transaction(ctx, db, 1, func(ctx context.Context, tx *gorm.DB) error {
		_, err := stock.Reserve(ctx, tx, product.ID, 2)
		return err
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.ProductKey(product.ID)))

	summary, err := service.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.AvailableStock)
}

func TestGetProduct_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	service := NewService(db, nil)

	_, err := service.GetProduct(context.Background(), 999)
	assert.ErrorIs(t, err, types.ErrProductNotFound)
}

func TestGetProduct_CacheDownFallsBackToDatabase(t *testing.T) {
	db := testutil.NewTestDB(t)
	redisCache, mr := setupRedis(t)
	service := NewService(db, redisCache)
	product := testutil.CreateProduct(t, db, "Iphone 17", 1100, 100)
	mr.Close()

	summary, err := service.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.AvailableStock)
}
