// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens the sqlite database shared by migration workers
// and runs transactions against it.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	_ "github.com/mattn/go-sqlite3"

	coredatabase "github.com/marykdb/maryk-sub012/core/database"
	"github.com/marykdb/maryk-sub012/domain/schema"
	"github.com/marykdb/maryk-sub012/internal/database/txn"
)

var logger = loggo.GetLogger("maryk.database")

// BusyTimeoutMillis is how long sqlite waits on a locked database before
// reporting it busy.
const BusyTimeoutMillis = 5000

// Open opens the sqlite database at path and makes sure the migration
// tables exist. Write transactions take the database lock when they
// begin, so a read followed by a write in one transaction is atomic
// across processes.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate&_journal_mode=WAL", path, BusyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q", path)
	}
	// A single connection serialises writers inside the process.
	db.SetMaxOpenConns(1)

	if err := ApplyDDL(ctx, db, schema.MigrationDDL()); err != nil {
		_ = db.Close()
		return nil, errors.Annotatef(err, "creating tables in %q", path)
	}
	logger.Debugf("opened migration database %q", path)
	return db, nil
}

// ApplyDDL runs each statement in a single transaction.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl []string) error {
	runner := txn.NewRetryingTxnRunner()
	return errors.Trace(runner.StdTxn(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Annotatef(err, "applying %q", stmt)
			}
		}
		return nil
	}))
}

// NewTxnRunner returns a TxnRunner for the given database.
func NewTxnRunner(db *sql.DB, opts ...txn.Option) coredatabase.TxnRunner {
	return &txnRunner{
		db:     db,
		sqlair: sqlair.NewDB(db),
		runner: txn.NewRetryingTxnRunner(opts...),
	}
}

type txnRunner struct {
	db     *sql.DB
	sqlair *sqlair.DB
	runner *txn.RetryingTxnRunner
}

// Txn is part of the coredatabase.TxnRunner interface.
func (r *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.runner.Txn(ctx, r.sqlair, fn))
}

// StdTxn is part of the coredatabase.TxnRunner interface.
func (r *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.runner.StdTxn(ctx, r.db, fn))
}
