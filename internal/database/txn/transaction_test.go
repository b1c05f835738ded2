// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	databasetesting "github.com/marykdb/maryk-sub012/internal/database/testing"
	"github.com/marykdb/maryk-sub012/internal/database/txn"
)

type transactionRunnerSuite struct {
	databasetesting.SQLiteSuite
}

var _ = gc.Suite(&transactionRunnerSuite{})

func (s *transactionRunnerSuite) TestStdTxn(c *gc.C) {
	runner := txn.NewRetryingTxnRunner()

	err := runner.StdTxn(context.Background(), s.DB(), func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT 1")
		if err != nil {
			return errors.Trace(err)
		}
		defer rows.Close()
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

type row struct {
	SchemaID int64  `db:"schema_id"`
	Data     string `db:"data"`
}

func (s *transactionRunnerSuite) TestTxnCommitAndRollback(c *gc.C) {
	runner := txn.NewRetryingTxnRunner()
	db := sqlair.NewDB(s.DB())

	insert, err := sqlair.Prepare(`
INSERT INTO schema_migration_state (schema_id, data)
VALUES ($row.schema_id, $row.data)`, row{})
	c.Assert(err, jc.ErrorIsNil)
	count, err := sqlair.Prepare(`SELECT &row.* FROM schema_migration_state`, row{})
	c.Assert(err, jc.ErrorIsNil)

	err = runner.Txn(context.Background(), db, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, insert, row{SchemaID: 1, Data: "kept"}).Run()
	})
	c.Assert(err, jc.ErrorIsNil)

	err = runner.Txn(context.Background(), db, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, insert, row{SchemaID: 2, Data: "dropped"}).Run(); err != nil {
			return err
		}
		return errors.New("boom")
	})
	c.Assert(err, gc.ErrorMatches, "boom")

	var rows []row
	err = runner.Txn(context.Background(), db, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, count).GetAll(&rows)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rows, jc.DeepEquals, []row{{SchemaID: 1, Data: "kept"}})
}

func (s *transactionRunnerSuite) TestTxnWithCancelledContext(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := txn.NewRetryingTxnRunner()
	err := runner.StdTxn(ctx, s.DB(), func(ctx context.Context, tx *sql.Tx) error {
		c.Fatal("should not be called")
		return nil
	})
	c.Assert(err, gc.ErrorMatches, "context canceled")
}

func (s *transactionRunnerSuite) TestRetryTransientErrors(c *gc.C) {
	clk := testclock.NewDilatedWallClock(time.Millisecond)
	runner := txn.NewRetryingTxnRunner(txn.WithClock(clk), txn.WithRetryAttempts(3))

	var calls int
	err := runner.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return sqlite3.ErrBusy
		}
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(calls, gc.Equals, 3)
}

func (s *transactionRunnerSuite) TestRetryGivesUp(c *gc.C) {
	clk := testclock.NewDilatedWallClock(time.Millisecond)
	runner := txn.NewRetryingTxnRunner(txn.WithClock(clk), txn.WithRetryAttempts(2))

	var calls int
	err := runner.Retry(context.Background(), func() error {
		calls++
		return errors.Errorf("database is locked")
	})
	c.Assert(err, gc.ErrorMatches, "database is locked")
	c.Assert(calls, gc.Equals, 2)
}

func (s *transactionRunnerSuite) TestRetryStopsOnFatalError(c *gc.C) {
	runner := txn.NewRetryingTxnRunner()

	var calls int
	err := runner.Retry(context.Background(), func() error {
		calls++
		return errors.NotValidf("row")
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(calls, gc.Equals, 1)
}

func (s *transactionRunnerSuite) TestRetrySucceedsFirstTime(c *gc.C) {
	runner := txn.NewRetryingTxnRunner()

	var calls int
	err := runner.Retry(context.Background(), func() error {
		calls++
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(calls, gc.Equals, 1)
}

func (s *transactionRunnerSuite) TestRetryKeepsFatalCause(c *gc.C) {
	const errGone = errors.ConstError("row gone")
	runner := txn.NewRetryingTxnRunner()

	err := runner.Retry(context.Background(), func() error {
		return errors.Annotate(errGone, "reading row")
	})
	c.Assert(err, jc.ErrorIs, errGone)
	c.Assert(err, gc.ErrorMatches, "reading row: row gone")
}
