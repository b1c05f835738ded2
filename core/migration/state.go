// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"bytes"
	"fmt"
)

// State is the durable progress record of one schema migration.
type State struct {
	// MigrationID identifies one lineage of attempts to migrate a schema
	// to ToVersion.
	MigrationID string

	// Phase is always canonical once written by the engine.
	Phase Phase

	Status Status

	// Attempt never decreases for a given MigrationID.
	Attempt uint64

	// FromVersion is empty when the schema had no stored definition.
	FromVersion string

	ToVersion string

	// Cursor is the opaque resumption token last returned by the handler.
	// An empty cursor is the same as no cursor.
	Cursor []byte

	// Message holds diagnostic text from the last step, if any.
	Message string
}

// Equal reports whether two states persist to the same record.
func (s State) Equal(other State) bool {
	return s.MigrationID == other.MigrationID &&
		s.Phase == other.Phase &&
		s.Status == other.Status &&
		s.Attempt == other.Attempt &&
		s.FromVersion == other.FromVersion &&
		s.ToVersion == other.ToVersion &&
		bytes.Equal(s.Cursor, other.Cursor) &&
		s.Message == other.Message
}

// String implements fmt.Stringer.
func (s State) String() string {
	return fmt.Sprintf("%s %s/%s attempt %d (%q -> %q)",
		s.MigrationID, s.Phase, s.Status, s.Attempt, s.FromVersion, s.ToVersion)
}
