// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"context"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// NoopLease grants every acquisition. It suits deployments with a single
// writer, where there is nobody to exclude.
type NoopLease struct{}

// NewNoopLease returns a lease that never blocks.
func NewNoopLease() NoopLease {
	return NoopLease{}
}

// TryAcquire is part of the migration.Lease interface.
func (NoopLease) TryAcquire(context.Context, schema.ID, string) (bool, error) {
	return true, nil
}

// Release is part of the migration.Lease interface.
func (NoopLease) Release(context.Context, schema.ID, string) error {
	return nil
}
