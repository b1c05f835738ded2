// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// Step describes a single handler invocation.
type Step struct {
	SchemaID    schema.ID
	MigrationID string
	Phase       Phase
	Attempt     uint64

	// Cursor is nil when the phase starts from scratch.
	Cursor []byte

	// Stored is nil when the schema has no stored definition.
	Stored *schema.Definition
	Target schema.Definition
}

// PhaseHandler performs the work of one phase of a schema migration.
//
// The engine imposes no timeout on HandlePhase. If the process dies or the
// lease lapses mid-call, another worker resumes from the last persisted
// cursor, so handlers must be safe to repeat from any cursor they returned.
type PhaseHandler interface {
	HandlePhase(ctx context.Context, step Step) Outcome
}

// PhaseHandlerFunc adapts a function to a PhaseHandler.
type PhaseHandlerFunc func(ctx context.Context, step Step) Outcome

// HandlePhase implements PhaseHandler.
func (f PhaseHandlerFunc) HandlePhase(ctx context.Context, step Step) Outcome {
	return f(ctx, step)
}

// SimpleHandler migrates all of a schema's data in one call, reporting
// only whether it succeeded.
type SimpleHandler[S any] func(ctx context.Context, store S, stored *schema.Definition, target schema.Definition) bool

// FromSimpleHandler turns an all-or-nothing handler into a PhaseHandler.
// The handler runs once during BACKFILL: true succeeds, false is fatal.
// Every other phase succeeds without doing anything.
func FromSimpleHandler[S any](store S, fn SimpleHandler[S]) PhaseHandler {
	return PhaseHandlerFunc(func(ctx context.Context, step Step) Outcome {
		if step.Phase.Normalize() != BACKFILL {
			return Success{}
		}
		if !fn(ctx, store, step.Stored, step.Target) {
			return Fatal{Reason: "migration handler reported failure"}
		}
		return Success{}
	})
}
