// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schemamigrator

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

// VersionSource is a NeedSource that asks for a migration whenever the
// stored version of a schema differs from the wanted one.
type VersionSource struct {
	definitions migration.DefinitionStore
	targets     []schema.Definition
}

// NewVersionSource returns a VersionSource comparing the given targets
// against the stored definitions.
func NewVersionSource(definitions migration.DefinitionStore, targets []schema.Definition) *VersionSource {
	return &VersionSource{
		definitions: definitions,
		targets:     targets,
	}
}

// Needs is part of the NeedSource interface.
func (s *VersionSource) Needs(ctx context.Context) (map[schema.ID]schema.NeedsMigration, error) {
	needs := make(map[schema.ID]schema.NeedsMigration)
	for _, target := range s.targets {
		stored, err := s.definitions.Definition(ctx, target.ID)
		if errors.Is(err, errors.NotFound) {
			needs[target.ID] = schema.NeedsMigration{
				Target:  target,
				Reasons: []string{"schema is new"},
			}
			continue
		} else if err != nil {
			return nil, errors.Annotatef(err, "reading definition of schema %d", target.ID)
		}
		if stored.Version == target.Version {
			continue
		}
		needs[target.ID] = schema.NeedsMigration{
			Stored:  &stored,
			Target:  target,
			Reasons: []string{fmt.Sprintf("stored version %s differs from %s", stored.Version, target.Version)},
		}
	}
	return needs, nil
}
