// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"context"
	"sync"

	"github.com/juju/errors"

	corelease "github.com/marykdb/maryk-sub012/core/lease"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// MemoryStore keeps lease records in memory. Coordinators only exclude each
// other if they share the same MemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[schema.ID]corelease.Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[schema.ID]corelease.Record)}
}

// ModifyLease is part of the corelease.Store interface.
func (s *MemoryStore) ModifyLease(ctx context.Context, id schema.ID, fn corelease.ModifyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *corelease.Record
	if r, ok := s.records[id]; ok {
		current = &r
	}
	next, write := fn(current)
	if !write {
		return nil
	}
	if next == nil {
		delete(s.records, id)
		return nil
	}
	if err := next.Validate(); err != nil {
		return errors.Annotatef(err, "lease of schema %d", id)
	}
	s.records[id] = *next
	return nil
}

// Lease returns the current record of the schema, if any.
func (s *MemoryStore) Lease(id schema.ID) (corelease.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}
