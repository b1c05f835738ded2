// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema holds the DDL of the tables used by the schema migration
// engine.
package schema

// MigrationDDL returns the statements creating every table of the
// migration engine. Each statement is safe to run against a database that
// already has the tables.
func MigrationDDL() []string {
	return []string{
		stateSchema,
		leaseSchema,
		auditSchema,
		auditIndex,
		definitionSchema,
	}
}

// The state document is the versioned text form written by
// migration.EncodeState.
const stateSchema = `
CREATE TABLE IF NOT EXISTS schema_migration_state (
    schema_id   INTEGER PRIMARY KEY,
    data        TEXT NOT NULL,
    updated_at  DATETIME NOT NULL DEFAULT(STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc'))
);`

// expires_at is in milliseconds since the unix epoch.
const leaseSchema = `
CREATE TABLE IF NOT EXISTS schema_migration_lease (
    schema_id     INTEGER PRIMARY KEY,
    uuid          TEXT NOT NULL,
    owner         TEXT NOT NULL,
    migration_id  TEXT NOT NULL,
    expires_at    INTEGER NOT NULL
);`

const auditSchema = `
CREATE TABLE IF NOT EXISTS schema_migration_audit (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    schema_id   INTEGER NOT NULL,
    line        TEXT NOT NULL
);`

const auditIndex = `
CREATE INDEX IF NOT EXISTS idx_schema_migration_audit_schema
ON schema_migration_audit (schema_id, id);`

const definitionSchema = `
CREATE TABLE IF NOT EXISTS schema_definition (
    schema_id   INTEGER PRIMARY KEY,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    definition  TEXT NOT NULL
);`
