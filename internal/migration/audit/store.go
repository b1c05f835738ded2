// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// DefaultRetention is the number of events kept per schema when no
// retention is configured.
const DefaultRetention = 1000

// MemoryStore keeps the audit trail of every schema in memory, trimming
// the oldest events of a schema once it holds more than its retention.
type MemoryStore struct {
	mu        sync.Mutex
	retention int
	events    map[schema.ID][]migration.AuditEvent
}

// NewMemoryStore returns an empty store keeping at most retention events
// per schema. A non-positive retention selects DefaultRetention.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		events:    make(map[schema.ID][]migration.AuditEvent),
	}
}

// Append is part of the migration.AuditLogStore interface.
func (s *MemoryStore) Append(ctx context.Context, id schema.ID, event migration.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := event.Type.Validate(); err != nil {
		return errors.Trace(err)
	}
	event.Timestamp = time.UnixMilli(event.Timestamp.UnixMilli()).UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	events := append(s.events[id], event)
	if over := len(events) - s.retention; over > 0 {
		events = append([]migration.AuditEvent(nil), events[over:]...)
	}
	s.events[id] = events
	return nil
}

// Read is part of the migration.AuditLogStore interface. A non-positive
// limit returns every retained event.
func (s *MemoryStore) Read(ctx context.Context, id schema.ID, limit int) ([]migration.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[id]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]migration.AuditEvent(nil), events...), nil
}
