// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/mattn/go-sqlite3"
)

var logger = loggo.GetLogger("maryk.database.txn")

const (
	// DefaultRetryAttempts is how many times a transaction is tried when
	// it keeps failing with transient errors.
	DefaultRetryAttempts = 10

	defaultMinRetryDelay = 10 * time.Millisecond
	defaultMaxRetryDelay = 500 * time.Millisecond
)

type option struct {
	clock    clock.Clock
	attempts int
	minDelay time.Duration
	maxDelay time.Duration
}

// Option configures a RetryingTxnRunner.
type Option func(*option)

// WithClock sets the clock used for back-off between attempts.
func WithClock(clk clock.Clock) Option {
	return func(o *option) {
		o.clock = clk
	}
}

// WithRetryAttempts sets how many times a transaction is tried.
func WithRetryAttempts(attempts int) Option {
	return func(o *option) {
		o.attempts = attempts
	}
}

// WithRetryDelay sets the bounds of the exponential back-off.
func WithRetryDelay(min, max time.Duration) Option {
	return func(o *option) {
		o.minDelay = min
		o.maxDelay = max
	}
}

// RetryingTxnRunner runs transactions, retrying them on errors that sqlite
// reports for contention.
type RetryingTxnRunner struct {
	clock    clock.Clock
	attempts int
	minDelay time.Duration
	maxDelay time.Duration
}

// NewRetryingTxnRunner returns a new RetryingTxnRunner.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	o := &option{
		clock:    clock.WallClock,
		attempts: DefaultRetryAttempts,
		minDelay: defaultMinRetryDelay,
		maxDelay: defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &RetryingTxnRunner{
		clock:    o.clock,
		attempts: o.attempts,
		minDelay: o.minDelay,
		maxDelay: o.maxDelay,
	}
}

// Txn runs fn in a sqlair transaction, committing if it returns nil and
// rolling back otherwise.
func (t *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	return t.Retry(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		tx, err := db.Begin(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Warningf("rolling back transaction: %v", rbErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// StdTxn runs fn in a database/sql transaction, committing if it returns
// nil and rolling back otherwise.
func (t *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return t.Retry(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Warningf("rolling back transaction: %v", rbErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, the attempts run out or the context is done.
func (t *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Debugf("retrying transaction after attempt %d: %v", attempt, lastError)
		},
		Attempts:    t.attempts,
		Delay:       t.minDelay,
		BackoffFunc: retry.ExpBackoff(t.minDelay, t.maxDelay, 2, true),
		Clock:       t.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsRetryStopped(err) {
		return errors.Trace(ctx.Err())
	}
	if retry.IsAttemptsExceeded(err) {
		return errors.Trace(retry.LastError(err))
	}
	return errors.Trace(err)
}

// IsErrRetryable returns true if the given error might be transient and
// the transaction can be tried again.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return true
	}
	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) && (errNo == sqlite3.ErrBusy || errNo == sqlite3.ErrLocked) {
		return true
	}

	msg := err.Error()
	for _, transient := range []string{
		"database is locked",
		"cannot start a transaction within a transaction",
		"bad connection",
		"checkpoint in progress",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// IsErrConstraintUnique returns true if the error is a sqlite unique
// constraint violation.
func IsErrConstraintUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
