// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// migrationState is a row of schema_migration_state.
type migrationState struct {
	SchemaID int64  `db:"schema_id"`
	Data     string `db:"data"`
}

// leaseRow is a row of schema_migration_lease.
type leaseRow struct {
	SchemaID    int64  `db:"schema_id"`
	UUID        string `db:"uuid"`
	Owner       string `db:"owner"`
	MigrationID string `db:"migration_id"`
	ExpiresAt   int64  `db:"expires_at"`
}

// auditLine is a row of schema_migration_audit.
type auditLine struct {
	ID       int64  `db:"id"`
	SchemaID int64  `db:"schema_id"`
	Line     string `db:"line"`
}

// auditWindow selects the most recent lines of a schema.
type auditWindow struct {
	SchemaID int64 `db:"schema_id"`
	Limit    int64 `db:"max_lines"`
}

// definitionRow is a row of schema_definition.
type definitionRow struct {
	SchemaID   int64  `db:"schema_id"`
	Name       string `db:"name"`
	Version    string `db:"version"`
	Definition string `db:"definition"`
}

// schemaKey selects the rows of a single schema.
type schemaKey struct {
	SchemaID int64 `db:"schema_id"`
}
