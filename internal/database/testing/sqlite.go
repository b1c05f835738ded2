// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/marykdb/maryk-sub012/core/database"
	"github.com/marykdb/maryk-sub012/internal/database"
)

// SQLiteSuite provides every test with a fresh sqlite database holding the
// migration tables.
type SQLiteSuite struct {
	testing.IsolationSuite

	path string
	db   *sql.DB
}

// SetUpTest opens a new database in a temporary directory.
func (s *SQLiteSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.path = filepath.Join(c.MkDir(), "migrations.db")
	db, err := database.Open(context.Background(), s.path)
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
}

// TearDownTest closes the database.
func (s *SQLiteSuite) TearDownTest(c *gc.C) {
	if s.db != nil {
		c.Check(s.db.Close(), jc.ErrorIsNil)
		s.db = nil
	}
	s.IsolationSuite.TearDownTest(c)
}

// DB returns the database of the running test.
func (s *SQLiteSuite) DB() *sql.DB {
	return s.db
}

// Path returns the file of the database of the running test.
func (s *SQLiteSuite) Path() string {
	return s.path
}

// TxnRunner returns a transaction runner over the database of the running
// test.
func (s *SQLiteSuite) TxnRunner() coredatabase.TxnRunner {
	return database.NewTxnRunner(s.db)
}
