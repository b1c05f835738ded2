// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease describes the persisted lease records that grant a single
// worker the right to migrate a schema.
package lease

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// Record is the persisted lease of a single schema.
type Record struct {
	// Owner is the token of the process holding the lease.
	Owner string

	// MigrationID is the migration lineage the lease was taken for.
	MigrationID string

	// ExpiresAt is the latest time at which the lease might still be
	// valid. It is stored at millisecond precision.
	ExpiresAt time.Time
}

// Expired returns true if the lease no longer blocks other owners at the
// given time.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// HeldBy returns true if the record was written by the given owner for the
// given migration.
func (r Record) HeldBy(owner, migrationID string) bool {
	return r.Owner == owner && r.MigrationID == migrationID
}

// Validate returns an error if any fields are invalid.
func (r Record) Validate() error {
	if err := ValidateString(r.Owner); err != nil {
		return errors.Annotatef(err, "invalid owner")
	}
	if err := ValidateString(r.MigrationID); err != nil {
		return errors.Annotatef(err, "invalid migration id")
	}
	if r.ExpiresAt.IsZero() {
		return errors.NotValidf("zero expiry")
	}
	return nil
}

// ModifyFunc computes the next lease record from the current one. current
// is nil when no record exists. If write is false the store is left as is;
// otherwise next replaces the record, and a nil next removes it.
type ModifyFunc func(current *Record) (next *Record, write bool)

// Store persists lease records. Implementations must run each ModifyLease
// call as a single atomic read-modify-write.
type Store interface {
	ModifyLease(ctx context.Context, id schema.ID, fn ModifyFunc) error
}

// ValidateString returns an error if the string is empty, or if it contains
// whitespace.
func ValidateString(s string) error {
	if s == "" {
		return errors.NotValidf("empty string")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return errors.NotValidf("string %q containing whitespace", s)
	}
	return nil
}

// ErrHeld indicates that a lease is held by another owner.
const ErrHeld = errors.ConstError("lease held by another owner")
