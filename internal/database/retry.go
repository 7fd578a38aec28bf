package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bryan-buckman/feedreader/internal/metrics"
)

// Busy-retry policy.
const (
	RetryInterval = 20 * time.Millisecond
	RetryTimeout  = 10 * time.Second
)

// IsBusy reports whether err is a transient SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// retry runs op until it succeeds, fails with a non-busy error, or the
// retry budget is spent. In the last case the busy error is returned.
func retry[T any](ctx context.Context, db *DB, name string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx,
		func() (T, error) {
			v, err := op()
			if err != nil && !IsBusy(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(db.retryInterval)),
		backoff.WithMaxElapsedTime(db.retryTimeout),
		backoff.WithNotify(func(err error, _ time.Duration) {
			metrics.ObserveStoreRetry(name)
			db.logger.Debug("database busy, retrying", zap.String("op", name), zap.Error(err))
		}),
	)
}

// inTx runs fn in a transaction. The transaction is committed when fn
// succeeds and rolled back otherwise; a busy database restarts the whole
// transaction.
func inTx[T any](ctx context.Context, db *DB, name string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	v, err := retry(ctx, db, name, func() (T, error) {
		var zero T
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return zero, err
		}
		v, err := fn(tx)
		if err != nil {
			_ = tx.Rollback()
			return zero, err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return zero, err
		}
		return v, nil
	})
	if err != nil {
		return v, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// exec runs fn in a transaction for its side effects only.
func exec(ctx context.Context, db *DB, name string, fn func(tx *sql.Tx) error) error {
	_, err := inTx(ctx, db, name, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}
