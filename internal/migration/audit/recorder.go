// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package audit provides audit trail stores for schema migrations, and a
// recorder that writes each event to the log as well.
package audit

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

var logger = loggo.GetLogger("maryk.migration.audit")

// Mirror receives a copy of every recorded event.
type Mirror interface {
	Mirror(id schema.ID, event migration.AuditEvent) error
}

// Recorder is a migration.AuditLogStore that appends to an underlying
// store, logs a human readable line for every event and passes it on to
// an optional mirror.
type Recorder struct {
	store  migration.AuditLogStore
	mirror Mirror
}

// NewRecorder returns a Recorder over the given store. mirror may be nil.
func NewRecorder(store migration.AuditLogStore, mirror Mirror) *Recorder {
	return &Recorder{store: store, mirror: mirror}
}

// Append is part of the migration.AuditLogStore interface. Mirror failures
// are logged and otherwise ignored.
func (r *Recorder) Append(ctx context.Context, id schema.ID, event migration.AuditEvent) error {
	if err := r.store.Append(ctx, id, event); err != nil {
		return errors.Annotatef(err, "recording %s for schema %d", event.Type, id)
	}
	line := event.HumanString(id)
	switch event.Type {
	case migration.AuditFailed:
		logger.Errorf("%s", line)
	case migration.AuditLeaseRejected, migration.AuditRetryScheduled:
		logger.Warningf("%s", line)
	default:
		logger.Infof("%s", line)
	}
	if r.mirror != nil {
		if err := r.mirror.Mirror(id, event); err != nil {
			logger.Warningf("mirroring audit event for schema %d: %v", id, err)
		}
	}
	return nil
}

// Read is part of the migration.AuditLogStore interface.
func (r *Recorder) Read(ctx context.Context, id schema.ID, limit int) ([]migration.AuditEvent, error) {
	events, err := r.store.Read(ctx, id, limit)
	return events, errors.Trace(err)
}
