// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package driver

import (
	"context"
	"sync"

	"github.com/juju/errors"

	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// control carries operator requests to a running migration. Requests are
// only looked at between steps.
type control struct {
	cancel     chan struct{}
	cancelOnce sync.Once
	pause      chan struct{}
	pauseOnce  sync.Once
}

func newControl() *control {
	return &control{
		cancel: make(chan struct{}),
		pause:  make(chan struct{}),
	}
}

func (c *control) requestCancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
}

func (c *control) requestPause() {
	c.pauseOnce.Do(func() { close(c.pause) })
}

func (c *control) canceled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

func (c *control) paused() bool {
	select {
	case <-c.pause:
		return true
	default:
		return false
	}
}

// Cancel stops the migration of the schema and clears its state. A
// migration running in this driver is told to stop after its current step.
// Otherwise the state is cleared here, under the schema's lease.
func (d *Driver) Cancel(ctx context.Context, id schema.ID) error {
	ctl, ok := d.register(id)
	if !ok {
		if running := d.control(id); running != nil {
			running.requestCancel()
		}
		return nil
	}
	defer d.unregister(id)
	ctl.requestCancel()

	state, found, err := d.config.States.ReadState(ctx, id)
	if err != nil {
		return errors.Annotatef(err, "reading state of schema %d", id)
	}
	if !found {
		return errors.NotFoundf("migration of schema %d", id)
	}
	acquired, err := d.config.Lease.TryAcquire(ctx, id, state.MigrationID)
	if err != nil {
		return errors.Trace(err)
	}
	if !acquired {
		return errors.Annotatef(corelease.ErrHeld, "canceling migration %s of schema %d", state.MigrationID, id)
	}
	defer func() {
		if err := d.config.Lease.Release(context.WithoutCancel(ctx), id, state.MigrationID); err != nil {
			d.config.Logger.Warningf("releasing lease of schema %d: %v", id, err)
		}
	}()

	if err := d.config.States.ClearState(ctx, id); err != nil {
		return errors.Annotatef(err, "clearing state of schema %d", id)
	}
	return errors.Trace(d.config.Audit.Append(ctx, id, migration.AuditEvent{
		Timestamp:   d.config.Clock.Now(),
		MigrationID: state.MigrationID,
		Type:        migration.AuditCanceled,
		Phase:       state.Phase.Normalize(),
		Attempt:     state.Attempt,
		Message:     "canceled by operator",
	}))
}

// Pause asks the migration of the schema running in this driver to stop
// after its current step, keeping its state for the next run.
func (d *Driver) Pause(id schema.ID) error {
	ctl := d.control(id)
	if ctl == nil {
		return errors.NotFoundf("running migration of schema %d", id)
	}
	ctl.requestPause()
	return nil
}

// Status returns the persisted state of the schema's migration, and false
// if there is none.
func (d *Driver) Status(ctx context.Context, id schema.ID) (migration.State, bool, error) {
	state, found, err := d.config.States.ReadState(ctx, id)
	return state, found, errors.Trace(err)
}

// AuditTrail returns at most limit of the schema's latest audit events,
// oldest first. A limit of zero or less returns every retained event.
func (d *Driver) AuditTrail(ctx context.Context, id schema.ID, limit int) ([]migration.AuditEvent, error) {
	events, err := d.config.Audit.Read(ctx, id, limit)
	return events, errors.Trace(err)
}
