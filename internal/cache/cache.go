package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/stockhold-api/internal/types"
)

// ProductCache stores the public product summary between stock changes.
type ProductCache interface {
	Get(ctx context.Context, productID uint64) (*types.ProductSummary, error)
	Set(ctx context.Context, summary *types.ProductSummary) error
	Delete(ctx context.Context, productID uint64) error
}

var ErrCacheMiss = errors.New("cache miss")

// ProductKey is the cache key of a product summary.
func ProductKey(productID uint64) string {
	return fmt.Sprintf("product:%d:data", productID)
}

// NoopCache never stores anything. It stands in when no Redis is configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, uint64) (*types.ProductSummary, error) {
	return nil, ErrCacheMiss
}

func (NoopCache) Set(context.Context, *types.ProductSummary) error { return nil }

func (NoopCache) Delete(context.Context, uint64) error { return nil }
