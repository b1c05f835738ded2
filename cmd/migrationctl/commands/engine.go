// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commands

import (
	"context"
	"database/sql"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/domain/schemamigration/state"
	"github.com/marykdb/maryk-sub012/internal/database"
	"github.com/marykdb/maryk-sub012/internal/migration/audit"
	"github.com/marykdb/maryk-sub012/internal/migration/config"
	"github.com/marykdb/maryk-sub012/internal/migration/driver"
	"github.com/marykdb/maryk-sub012/internal/migration/lease"
)

var logger = loggo.GetLogger("maryk.cmd.migrationctl")

// baseCommand holds the flags shared by every migrationctl command.
type baseCommand struct {
	configFile cmd.FileVar
	database   string

	// clock is replaced in tests.
	clock clock.Clock
}

func (c *baseCommand) SetFlags(f *gnuflag.FlagSet) {
	f.Var(&c.configFile, "config", "Path to the migration config file")
	f.StringVar(&c.database, "database", "", "Path to the migration database, overriding the config")
}

func (c *baseCommand) now() clock.Clock {
	if c.clock == nil {
		return clock.WallClock
	}
	return c.clock
}

// loadConfig reads the config file, if one was given, and applies the
// command line overrides.
func (c *baseCommand) loadConfig(ctx *cmd.Context) (config.Config, error) {
	cfg := config.Default()
	data, err := c.configFile.Read(ctx)
	if err != nil {
		return config.Config{}, errors.Trace(err)
	}
	if data != nil {
		if cfg, err = config.Parse(data); err != nil {
			return config.Config{}, errors.Annotatef(err, "parsing %s", c.configFile.Path)
		}
	}
	if c.database != "" {
		cfg.DatabasePath = c.database
	}
	cfg.DatabasePath = ctx.AbsPath(cfg.DatabasePath)
	if cfg.AuditLogDir != "" {
		cfg.AuditLogDir = ctx.AbsPath(cfg.AuditLogDir)
	}
	return cfg, nil
}

// engine is the migration stack of one command invocation.
type engine struct {
	config config.Config
	db     *sql.DB
	state  *state.State
	driver *driver.Driver

	// lease is nil for a single writer.
	lease  worker.Worker
	mirror *audit.FileMirror
}

// openEngine opens the database named by the config and builds a driver
// over it that migrates with handler.
func (c *baseCommand) openEngine(ctx *cmd.Context, handler migration.PhaseHandler, metrics *driver.Collector) (_ *engine, err error) {
	cfg, err := c.loadConfig(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e := &engine{
		config: cfg,
		db:     db,
		state:  state.NewState(database.NewTxnRunner(db), cfg.AuditRetention),
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	var coordinator migration.Lease = lease.NewNoopLease()
	if !cfg.SingleWriter {
		leases, err := lease.NewCoordinator(lease.Config{
			Store:             e.state,
			Clock:             c.now(),
			LeaseTimeout:      cfg.LeaseTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		logger.Debugf("coordinating leases as %s", leases.Owner())
		e.lease = leases
		coordinator = leases
	}

	recorder := audit.NewRecorder(e.state, nil)
	if cfg.AuditLogDir != "" {
		if e.mirror, err = audit.NewFileMirror(cfg.AuditLogDir); err != nil {
			return nil, errors.Trace(err)
		}
		recorder = audit.NewRecorder(e.state, e.mirror)
	}

	e.driver, err = driver.NewDriver(driver.Config{
		States:             e.state,
		Lease:              coordinator,
		Audit:              recorder,
		Definitions:        e.state,
		Handler:            handler,
		Policy:             cfg.RetryPolicy(),
		Clock:              c.now(),
		Logger:             loggo.GetLogger("maryk.migration.driver"),
		MaxConcurrency:     cfg.MaxConcurrency,
		LeaseRetryAttempts: cfg.LeaseRetryAttempts,
		LeaseRetryDelay:    cfg.LeaseRetryDelay,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Close stops the lease heartbeats and closes the database.
func (e *engine) Close() {
	if e.lease != nil {
		e.lease.Kill()
		if err := e.lease.Wait(); err != nil {
			logger.Warningf("stopping lease coordinator: %v", err)
		}
	}
	if e.mirror != nil {
		if err := e.mirror.Close(); err != nil {
			logger.Warningf("closing audit log: %v", err)
		}
	}
	if err := e.db.Close(); err != nil {
		logger.Warningf("closing database: %v", err)
	}
}

// recordOnly migrates schemas whose stored data is compatible with the
// target definition: every phase succeeds and completing the migration
// only records the new definition.
var recordOnly = migration.PhaseHandlerFunc(func(context.Context, migration.Step) migration.Outcome {
	return migration.Success{}
})

// withoutRunner is used by commands that never run a phase.
var withoutRunner = migration.PhaseHandlerFunc(func(context.Context, migration.Step) migration.Outcome {
	return migration.Fatal{Reason: "migrationctl cannot run this migration"}
})
