// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sequence orders schemas so that every schema is migrated after the
// schemas it depends on.
package sequence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/marykdb/maryk-sub012/core/schema"
)

// ErrDependencyCycle is wrapped by every error reporting schemas that
// cannot be ordered.
const ErrDependencyCycle = errors.ConstError("dependency cycle")

// CycleError reports a set of schemas that depend on each other.
type CycleError struct {
	// Path lists schema names along one cycle, ending with the first name
	// again. If no single cycle could be isolated it holds the sorted
	// names of every schema that could not be ordered.
	Path []string

	// Isolated is false when Path is the fallback list of stuck schemas.
	Isolated bool
}

// Error implements error.
func (e *CycleError) Error() string {
	if e.Isolated {
		return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s among %s", ErrDependencyCycle, strings.Join(e.Path, ", "))
}

// Unwrap allows errors.Is(err, ErrDependencyCycle).
func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// Dependencies resolves the dependency names of every schema to the IDs of
// schemas in the same set. Self references and names outside the set are
// dropped. The IDs of each schema are sorted.
func Dependencies(schemas map[schema.ID]schema.Definition) map[schema.ID][]schema.ID {
	byName := make(map[string][]schema.ID)
	for _, id := range schema.SortedIDs(schemas) {
		name := schemas[id].Name
		byName[name] = append(byName[name], id)
	}

	result := make(map[schema.ID][]schema.ID, len(schemas))
	for id, def := range schemas {
		seen := make(map[schema.ID]bool)
		deps := []schema.ID{}
		for _, name := range def.DependencyNames() {
			for _, dep := range byName[name] {
				if dep == id || seen[dep] {
					continue
				}
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		result[id] = deps
	}
	return result
}

// Order returns the IDs of the given schemas so that each schema comes after
// all of its dependencies. Schemas that are free to go at the same point are
// ordered by name and then by ID, so the same input always gives the same
// order. If the schemas depend on each other in a cycle, a *CycleError is
// returned.
func Order(schemas map[schema.ID]schema.Definition) ([]schema.ID, error) {
	deps := Dependencies(schemas)

	less := func(a, b schema.ID) bool {
		na, nb := schemas[a].Name, schemas[b].Name
		if na != nb {
			return na < nb
		}
		return a < b
	}

	pending := make(map[schema.ID]int, len(deps))
	dependents := make(map[schema.ID][]schema.ID)
	var ready []schema.ID
	for _, id := range schema.SortedIDs(deps) {
		pending[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
		if len(deps[id]) == 0 {
			ready = insertSorted(ready, id, less)
		}
	}

	order := make([]schema.ID, 0, len(schemas))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = insertSorted(ready, dependent, less)
			}
		}
	}
	if len(order) == len(schemas) {
		return order, nil
	}

	done := make(map[schema.ID]bool, len(order))
	for _, id := range order {
		done[id] = true
	}
	var stuck []schema.ID
	for _, id := range schema.SortedIDs(schemas) {
		if !done[id] {
			stuck = append(stuck, id)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return less(stuck[i], stuck[j]) })
	return nil, errors.Trace(cycleError(schemas, deps, stuck))
}

func insertSorted(queue []schema.ID, id schema.ID, less func(a, b schema.ID) bool) []schema.ID {
	i := sort.Search(len(queue), func(i int) bool { return less(id, queue[i]) })
	queue = append(queue, 0)
	copy(queue[i+1:], queue[i:])
	queue[i] = id
	return queue
}

// cycleError walks the dependencies of the stuck schemas depth first until
// it revisits a schema on the current path.
func cycleError(
	schemas map[schema.ID]schema.Definition,
	deps map[schema.ID][]schema.ID,
	stuck []schema.ID,
) *CycleError {
	unresolved := make(map[schema.ID]bool, len(stuck))
	for _, id := range stuck {
		unresolved[id] = true
	}

	finished := make(map[schema.ID]bool)
	onPath := make(map[schema.ID]int)
	var path []schema.ID

	var visit func(id schema.ID) []schema.ID
	visit = func(id schema.ID) []schema.ID {
		if at, ok := onPath[id]; ok {
			return append(append([]schema.ID(nil), path[at:]...), id)
		}
		if finished[id] {
			return nil
		}
		onPath[id] = len(path)
		path = append(path, id)
		for _, dep := range deps[id] {
			if !unresolved[dep] {
				continue
			}
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		delete(onPath, id)
		finished[id] = true
		return nil
	}

	for _, id := range stuck {
		if cycle := visit(id); cycle != nil {
			names := make([]string, len(cycle))
			for i, id := range cycle {
				names[i] = schemas[id].Name
			}
			return &CycleError{Path: names, Isolated: true}
		}
	}

	names := set.NewStrings()
	for _, id := range stuck {
		names.Add(schemas[id].Name)
	}
	return &CycleError{Path: names.SortedValues()}
}
