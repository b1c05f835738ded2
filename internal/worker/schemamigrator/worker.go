// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schemamigrator provides a worker that migrates every schema that
// needs it, and keeps retrying the ones owned by other workers until they
// are done.
package schemamigrator

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/driver"
)

// NeedSource reports the schemas whose stored definition must be migrated.
type NeedSource interface {
	Needs(ctx context.Context) (map[schema.ID]schema.NeedsMigration, error)
}

// Migrator runs the migrations of a set of schemas.
type Migrator interface {
	Run(ctx context.Context, needs map[schema.ID]schema.NeedsMigration) (map[schema.ID]driver.Result, error)
}

// Logger represents the methods used by the worker to log messages.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the dependencies and parameters of the worker.
type Config struct {
	Source   NeedSource
	Migrator Migrator
	Clock    clock.Clock
	Logger   Logger

	// RetryInterval is how long the worker waits before migrating schemas
	// again that were leased elsewhere or hit a storage error.
	RetryInterval time.Duration

	// Lease is run alongside the migrations and stopped with the worker.
	// It is optional.
	Lease worker.Worker

	// Done is closed once every schema reached a result that is not
	// retried. It is optional.
	Done chan<- struct{}
}

// Validate returns an error if the config cannot be used to start the
// worker.
func (config Config) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Migrator == nil {
		return errors.NotValidf("nil Migrator")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.RetryInterval <= 0 {
		return errors.NotValidf("non-positive RetryInterval")
	}
	return nil
}

// Worker migrates schemas until none is left to retry, then idles until it
// is killed.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker starts a schema migration worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}

	var init []worker.Worker
	if config.Lease != nil {
		init = append(init, config.Lease)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: init,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	for {
		needs, err := w.config.Source.Needs(ctx)
		if err != nil {
			return errors.Annotate(err, "listing schemas to migrate")
		}
		if len(needs) == 0 {
			break
		}
		results, err := w.config.Migrator.Run(ctx, needs)
		if err != nil {
			return errors.Annotate(err, "migrating schemas")
		}
		if !w.retry(results) {
			break
		}
		w.config.Logger.Debugf("retrying schema migrations in %v", w.config.RetryInterval)
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.RetryInterval):
		}
	}

	w.config.Logger.Infof("schema migrations finished")
	if w.config.Done != nil {
		close(w.config.Done)
	}
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// retry logs the results and returns true if any schema should be
// migrated again.
func (w *Worker) retry(results map[schema.ID]driver.Result) bool {
	var again bool
	for _, id := range schema.SortedIDs(results) {
		result := results[id]
		switch result.Status {
		case driver.ResultLeaseRejected, driver.ResultError:
			w.config.Logger.Warningf("schema %d: %s", id, result)
			again = true
		case driver.ResultFailed, driver.ResultBlocked:
			w.config.Logger.Errorf("schema %d: %s", id, result)
		default:
			w.config.Logger.Debugf("schema %d: %s", id, result)
		}
	}
	return again
}
