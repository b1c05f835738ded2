// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// StateStore persists the resumable state of schema migrations.
type StateStore interface {
	// ReadState returns the state for the schema, and false if there is
	// none or the stored record could not be decoded.
	ReadState(ctx context.Context, id schema.ID) (State, bool, error)

	// WriteState replaces the state for the schema.
	WriteState(ctx context.Context, id schema.ID, state State) error

	// ClearState removes the state for the schema. Clearing an absent
	// state is not an error.
	ClearState(ctx context.Context, id schema.ID) error
}

// Lease grants a single worker the right to migrate a schema.
type Lease interface {
	// TryAcquire attempts to take the lease of the schema for the given
	// migration. It returns false if another owner holds it.
	TryAcquire(ctx context.Context, id schema.ID, migrationID string) (bool, error)

	// Release gives up the lease if it is still held for the migration.
	Release(ctx context.Context, id schema.ID, migrationID string) error
}

// AuditLogStore keeps a bounded, append-only trail of migration events
// per schema.
type AuditLogStore interface {
	// Append adds the event after every other event of the schema.
	Append(ctx context.Context, id schema.ID, event AuditEvent) error

	// Read returns at most limit of the most recent events of the schema,
	// oldest first.
	Read(ctx context.Context, id schema.ID, limit int) ([]AuditEvent, error)
}

// DefinitionStore persists the schema definitions a store is using.
type DefinitionStore interface {
	// Definition returns the stored definition, or a NotFound error.
	Definition(ctx context.Context, id schema.ID) (schema.Definition, error)

	// WriteDefinition replaces the stored definition.
	WriteDefinition(ctx context.Context, def schema.Definition) error
}

// DefinitionWrittenFunc is notified after a schema definition has been
// written. previous is nil when the schema was new.
type DefinitionWrittenFunc func(ctx context.Context, previous *schema.Definition, current schema.Definition)
