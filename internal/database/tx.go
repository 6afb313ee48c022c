package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ksred/stockhold-api/internal/metrics"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultMaxAttempts bounds how often a transaction aborted by a concurrent
// update is retried.
const DefaultMaxAttempts = 3

// TxFunc is the body of a managed transaction. ctx carries the commit hooks
// registered with AfterCommit.
type TxFunc func(ctx context.Context, tx *gorm.DB) error

type afterCommitKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *commitHooks) add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *commitHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AfterCommit defers fn until the managed transaction carried by ctx commits.
// Rolled back attempts drop their hooks. Without a managed transaction fn
// runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(afterCommitKey{}).(*commitHooks); ok {
		h.add(fn)
		return
	}
	fn()
}

// Transaction runs fn in a database transaction and retries the whole
// transaction when the store aborts it with a transient error. After
// maxAttempts transient failures it returns types.ErrTransient.
func Transaction(ctx context.Context, db *gorm.DB, maxAttempts int, fn TxFunc) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		hooks := &commitHooks{}
		txCtx := context.WithValue(ctx, afterCommitKey{}, hooks)

		err = db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
			return fn(txCtx, tx)
		})
		if err == nil {
			hooks.run()
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("transaction aborted by concurrent update")

		if attempt == maxAttempts {
			break
		}
		metrics.TransactionRetries.Inc()

		select {
		case <-ctx.Done():
			return types.Wrap(types.ErrUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}

	return types.Wrap(types.ErrTransient, err)
}

// IsTransient reports whether err is a deadlock, lock wait timeout or
// serialization failure that a fresh attempt may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return myErr.Number == 1213 || myErr.Number == 1205
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return errors.Is(err, types.ErrTransient)
}
