// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the sqlite implementation of the storage used by the
// migration engine: resumable state, leases, the audit trail and schema
// definitions.
package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	coredatabase "github.com/marykdb/maryk-sub012/core/database"
	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/domain"
	"github.com/marykdb/maryk-sub012/internal/migration/audit"
)

var logger = loggo.GetLogger("maryk.domain.schemamigration.state")

// State describes retrieval and persistence methods for schema migrations.
type State struct {
	*domain.StateBase

	auditRetention int
}

// NewState returns a new state reference. auditRetention bounds the number
// of audit lines kept per schema; non-positive selects
// audit.DefaultRetention.
func NewState(runner coredatabase.TxnRunner, auditRetention int) *State {
	if auditRetention <= 0 {
		auditRetention = audit.DefaultRetention
	}
	return &State{
		StateBase:      domain.NewStateBase(runner),
		auditRetention: auditRetention,
	}
}

// ReadState (migration.StateStore) returns the persisted state of the
// schema. A record that cannot be decoded is reported as absent.
func (s *State) ReadState(ctx context.Context, id schema.ID) (migration.State, bool, error) {
	db, err := s.DB()
	if err != nil {
		return migration.State{}, false, errors.Trace(err)
	}

	key := schemaKey{SchemaID: int64(id)}
	stmt, err := s.Prepare(`
SELECT &migrationState.*
FROM   schema_migration_state
WHERE  schema_id = $schemaKey.schema_id`, migrationState{}, key)
	if err != nil {
		return migration.State{}, false, errors.Annotate(err, "preparing select state statement")
	}

	var row migrationState
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, key).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return migration.State{}, false, nil
	} else if err != nil {
		return migration.State{}, false, errors.Annotatef(err, "reading migration state of schema %d", id)
	}

	state, ok := migration.DecodeState([]byte(row.Data))
	if !ok {
		logger.Warningf("ignoring undecodable migration state of schema %d", id)
		return migration.State{}, false, nil
	}
	return state, true, nil
}

// WriteState (migration.StateStore) replaces the state of the schema.
func (s *State) WriteState(ctx context.Context, id schema.ID, state migration.State) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := migrationState{
		SchemaID: int64(id),
		Data:     string(migration.EncodeState(state)),
	}
	stmt, err := s.Prepare(`
INSERT INTO schema_migration_state (schema_id, data)
VALUES ($migrationState.schema_id, $migrationState.data)
ON CONFLICT (schema_id) DO UPDATE SET
    data = excluded.data,
    updated_at = STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW', 'utc')`, row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert state statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Run()
	})
	return errors.Annotatef(err, "writing migration state of schema %d", id)
}

// ClearState (migration.StateStore) removes the state of the schema.
func (s *State) ClearState(ctx context.Context, id schema.ID) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	key := schemaKey{SchemaID: int64(id)}
	stmt, err := s.Prepare(`
DELETE FROM schema_migration_state
WHERE  schema_id = $schemaKey.schema_id`, key)
	if err != nil {
		return errors.Annotate(err, "preparing delete state statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, key).Run()
	})
	return errors.Annotatef(err, "clearing migration state of schema %d", id)
}

// States returns the decodable state of every schema with a migration in
// progress.
func (s *State) States(ctx context.Context) (map[schema.ID]migration.State, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT &migrationState.*
FROM   schema_migration_state
ORDER BY schema_id`, migrationState{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select states statement")
	}

	var rows []migrationState
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "reading migration states")
	}

	result := make(map[schema.ID]migration.State, len(rows))
	for _, row := range rows {
		state, ok := migration.DecodeState([]byte(row.Data))
		if !ok {
			logger.Warningf("ignoring undecodable migration state of schema %d", row.SchemaID)
			continue
		}
		result[schema.ID(row.SchemaID)] = state
	}
	return result, nil
}

// ModifyLease (lease.Store) reads the lease of the schema, applies fn and
// writes the result in the same transaction.
func (s *State) ModifyLease(ctx context.Context, id schema.ID, fn corelease.ModifyFunc) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	key := schemaKey{SchemaID: int64(id)}
	selectStmt, err := s.Prepare(`
SELECT &leaseRow.*
FROM   schema_migration_lease
WHERE  schema_id = $schemaKey.schema_id`, leaseRow{}, key)
	if err != nil {
		return errors.Annotate(err, "preparing select lease statement")
	}
	upsertStmt, err := s.Prepare(`
INSERT INTO schema_migration_lease (schema_id, uuid, owner, migration_id, expires_at)
VALUES ($leaseRow.schema_id, $leaseRow.uuid, $leaseRow.owner, $leaseRow.migration_id, $leaseRow.expires_at)
ON CONFLICT (schema_id) DO UPDATE SET
    uuid = excluded.uuid,
    owner = excluded.owner,
    migration_id = excluded.migration_id,
    expires_at = excluded.expires_at`, leaseRow{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert lease statement")
	}
	deleteStmt, err := s.Prepare(`
DELETE FROM schema_migration_lease
WHERE  schema_id = $schemaKey.schema_id`, key)
	if err != nil {
		return errors.Annotate(err, "preparing delete lease statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var (
			row     leaseRow
			current *corelease.Record
		)
		err := tx.Query(ctx, selectStmt, key).Get(&row)
		if err == nil {
			current = &corelease.Record{
				Owner:       row.Owner,
				MigrationID: row.MigrationID,
				ExpiresAt:   time.UnixMilli(row.ExpiresAt).UTC(),
			}
		} else if !errors.Is(err, sqlair.ErrNoRows) {
			return errors.Trace(err)
		}

		next, write := fn(current)
		if !write {
			return nil
		}
		if next == nil {
			return errors.Trace(tx.Query(ctx, deleteStmt, key).Run())
		}
		if err := next.Validate(); err != nil {
			return errors.Trace(err)
		}

		// The row id is kept for as long as the lease stays with the same
		// owner and migration.
		leaseUUID := row.UUID
		if current == nil || !current.HeldBy(next.Owner, next.MigrationID) {
			leaseUUID = uuid.NewString()
		}
		return errors.Trace(tx.Query(ctx, upsertStmt, leaseRow{
			SchemaID:    int64(id),
			UUID:        leaseUUID,
			Owner:       next.Owner,
			MigrationID: next.MigrationID,
			ExpiresAt:   next.ExpiresAt.UnixMilli(),
		}).Run())
	})
	return errors.Annotatef(err, "modifying lease of schema %d", id)
}

// Leases returns every lease record, expired or not.
func (s *State) Leases(ctx context.Context) (map[schema.ID]corelease.Record, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT &leaseRow.*
FROM   schema_migration_lease`, leaseRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select leases statement")
	}

	var rows []leaseRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "reading leases")
	}

	result := make(map[schema.ID]corelease.Record, len(rows))
	for _, row := range rows {
		result[schema.ID(row.SchemaID)] = corelease.Record{
			Owner:       row.Owner,
			MigrationID: row.MigrationID,
			ExpiresAt:   time.UnixMilli(row.ExpiresAt).UTC(),
		}
	}
	return result, nil
}

// Append (migration.AuditLogStore) adds the event to the audit trail of
// the schema and trims the oldest lines beyond the retention, in one
// transaction.
func (s *State) Append(ctx context.Context, id schema.ID, event migration.AuditEvent) error {
	if err := event.Type.Validate(); err != nil {
		return errors.Trace(err)
	}
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	line := auditLine{
		SchemaID: int64(id),
		Line:     migration.EncodeAuditEvent(id, event),
	}
	window := auditWindow{
		SchemaID: int64(id),
		Limit:    int64(s.auditRetention),
	}
	insertStmt, err := s.Prepare(`
INSERT INTO schema_migration_audit (schema_id, line)
VALUES ($auditLine.schema_id, $auditLine.line)`, line)
	if err != nil {
		return errors.Annotate(err, "preparing insert audit statement")
	}
	trimStmt, err := s.Prepare(`
DELETE FROM schema_migration_audit
WHERE  schema_id = $auditWindow.schema_id
AND    id NOT IN (
    SELECT id
    FROM   schema_migration_audit
    WHERE  schema_id = $auditWindow.schema_id
    ORDER BY id DESC
    LIMIT  $auditWindow.max_lines
)`, window)
	if err != nil {
		return errors.Annotate(err, "preparing trim audit statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, insertStmt, line).Run(); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, trimStmt, window).Run())
	})
	return errors.Annotatef(err, "appending audit event of schema %d", id)
}

// Read (migration.AuditLogStore) returns at most limit of the most recent
// events of the schema, oldest first. A non-positive limit returns every
// retained event. Lines that cannot be decoded are skipped.
func (s *State) Read(ctx context.Context, id schema.ID, limit int) ([]migration.AuditEvent, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	window := auditWindow{SchemaID: int64(id), Limit: int64(limit)}
	if limit <= 0 {
		window.Limit = -1
	}
	stmt, err := s.Prepare(`
SELECT &auditLine.*
FROM (
    SELECT id, schema_id, line
    FROM   schema_migration_audit
    WHERE  schema_id = $auditWindow.schema_id
    ORDER BY id DESC
    LIMIT  $auditWindow.max_lines
)
ORDER BY id`, auditLine{}, window)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select audit statement")
	}

	var lines []auditLine
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, window).GetAll(&lines)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading audit trail of schema %d", id)
	}

	events := make([]migration.AuditEvent, 0, len(lines))
	for _, line := range lines {
		_, event, err := migration.DecodeAuditEvent(line.Line)
		if err != nil {
			logger.Warningf("skipping audit line %d of schema %d: %v", line.ID, id, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Definition (migration.DefinitionStore) returns the stored definition of
// the schema.
func (s *State) Definition(ctx context.Context, id schema.ID) (schema.Definition, error) {
	db, err := s.DB()
	if err != nil {
		return schema.Definition{}, errors.Trace(err)
	}

	key := schemaKey{SchemaID: int64(id)}
	stmt, err := s.Prepare(`
SELECT &definitionRow.*
FROM   schema_definition
WHERE  schema_id = $schemaKey.schema_id`, definitionRow{}, key)
	if err != nil {
		return schema.Definition{}, errors.Annotate(err, "preparing select definition statement")
	}

	var row definitionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, key).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return schema.Definition{}, errors.NotFoundf("definition of schema %d", id)
	} else if err != nil {
		return schema.Definition{}, errors.Annotatef(err, "reading definition of schema %d", id)
	}
	return decodeDefinition(row)
}

// WriteDefinition (migration.DefinitionStore) replaces the stored
// definition of the schema.
func (s *State) WriteDefinition(ctx context.Context, def schema.Definition) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return errors.Annotatef(err, "encoding definition of schema %d", def.ID)
	}
	row := definitionRow{
		SchemaID:   int64(def.ID),
		Name:       def.Name,
		Version:    def.Version,
		Definition: string(data),
	}
	stmt, err := s.Prepare(`
INSERT INTO schema_definition (schema_id, name, version, definition)
VALUES ($definitionRow.schema_id, $definitionRow.name, $definitionRow.version, $definitionRow.definition)
ON CONFLICT (schema_id) DO UPDATE SET
    name = excluded.name,
    version = excluded.version,
    definition = excluded.definition`, row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert definition statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, stmt, row).Run()
	})
	return errors.Annotatef(err, "writing definition of schema %d", def.ID)
}

// Definitions returns every stored definition.
func (s *State) Definitions(ctx context.Context) (map[schema.ID]schema.Definition, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(`
SELECT &definitionRow.*
FROM   schema_definition`, definitionRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select definitions statement")
	}

	var rows []definitionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Annotate(err, "reading definitions")
	}

	result := make(map[schema.ID]schema.Definition, len(rows))
	for _, row := range rows {
		def, err := decodeDefinition(row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result[def.ID] = def
	}
	return result, nil
}

func decodeDefinition(row definitionRow) (schema.Definition, error) {
	var def schema.Definition
	if err := yaml.Unmarshal([]byte(row.Definition), &def); err != nil {
		return schema.Definition{}, errors.Annotatef(err, "decoding definition of schema %d", row.SchemaID)
	}
	def.ID = schema.ID(row.SchemaID)
	return def, nil
}
