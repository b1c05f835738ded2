// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database_test

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/marykdb/maryk-sub012/internal/database"
)

type databaseSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&databaseSuite{})

func (s *databaseSuite) TestOpenCreatesTables(c *gc.C) {
	path := filepath.Join(c.MkDir(), "migrations.db")
	db, err := database.Open(context.Background(), path)
	c.Assert(err, jc.ErrorIsNil)
	defer db.Close()

	var tables []string
	runner := database.NewTxnRunner(db)
	err = runner.StdTxn(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
		}
		return rows.Err()
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(tables, jc.DeepEquals, []string{
		"schema_definition",
		"schema_migration_audit",
		"schema_migration_lease",
		"schema_migration_state",
	})
}

func (s *databaseSuite) TestOpenTwice(c *gc.C) {
	path := filepath.Join(c.MkDir(), "migrations.db")
	for i := 0; i < 2; i++ {
		db, err := database.Open(context.Background(), path)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(db.Close(), jc.ErrorIsNil)
	}
}
