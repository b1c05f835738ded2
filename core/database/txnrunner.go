// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against a
// database.
type TxnRunner interface {
	// Txn executes the input function against the database, within a
	// transaction that depends on the input context. Retry semantics are
	// applied automatically based on transient failures, so the function
	// may be run more than once.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn is like Txn but hands the function a plain sql.Tx.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}
