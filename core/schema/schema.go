// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema holds the parts of a data model definition that the
// migration engine needs to reason about: identity, version, and the
// structural dependencies between root schemas.
package schema

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/version/v2"
)

// ID identifies a root schema within a store.
type ID uint32

// String implements fmt.Stringer.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form of an ID.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.NotValidf("schema id %q", s)
	}
	return ID(v), nil
}

// PropertyKind describes how a property relates to other schemas.
type PropertyKind int

const (
	// ValueProperty holds a plain value and creates no dependency.
	ValueProperty PropertyKind = iota

	// ReferenceProperty points at records of another root schema.
	ReferenceProperty

	// EmbeddedProperty nests a value schema whose own properties are
	// inspected for references.
	EmbeddedProperty
)

var propertyKindNames = []string{
	ValueProperty:     "value",
	ReferenceProperty: "reference",
	EmbeddedProperty:  "embedded",
}

// String implements fmt.Stringer.
func (k PropertyKind) String() string {
	if k < 0 || int(k) >= len(propertyKindNames) {
		return "unknown"
	}
	return propertyKindNames[k]
}

// MarshalYAML implements yaml.Marshaler.
func (k PropertyKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *PropertyKind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.Trace(err)
	}
	for i, name := range propertyKindNames {
		if name == s {
			*k = PropertyKind(i)
			return nil
		}
	}
	return errors.NotValidf("property kind %q", s)
}

// Property is a single field of a schema.
type Property struct {
	Name string       `yaml:"name"`
	Kind PropertyKind `yaml:"kind"`

	// Target names the root schema referenced by a ReferenceProperty.
	Target string `yaml:"target,omitempty"`

	// Embedded is the nested schema of an EmbeddedProperty.
	Embedded *Definition `yaml:"embedded,omitempty"`
}

// Definition describes one version of a schema.
type Definition struct {
	ID      ID     `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Dependencies lists, by name, root schemas that must be migrated
	// before this one.
	Dependencies []string `yaml:"dependencies,omitempty"`

	Properties []Property `yaml:"properties,omitempty"`
}

// String implements fmt.Stringer.
func (d Definition) String() string {
	return fmt.Sprintf("%s(%d)@%s", d.Name, d.ID, d.Version)
}

// Validate returns an error if the definition cannot be scheduled.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("empty schema name for id %d", d.ID)
	}
	if d.Version == "" {
		return errors.NotValidf("empty version for schema %q", d.Name)
	}
	if _, err := version.Parse(d.Version); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("version of schema %q", d.Name))
	}
	return nil
}

// DependencyNames returns the sorted, de-duplicated names of every root
// schema this definition depends on: the explicitly declared dependencies
// plus the targets of reference properties found anywhere in the definition,
// including inside embedded schemas. A reference back to the definition
// itself is not a dependency.
func (d Definition) DependencyNames() []string {
	names := set.NewStrings(d.Dependencies...)
	visited := set.NewStrings(d.Name)
	collectReferences(d.Properties, names, visited)
	names.Remove(d.Name)
	return names.SortedValues()
}

func collectReferences(props []Property, names, visited set.Strings) {
	for _, p := range props {
		switch p.Kind {
		case ReferenceProperty:
			if p.Target != "" {
				names.Add(p.Target)
			}
		case EmbeddedProperty:
			if p.Embedded == nil || visited.Contains(p.Embedded.Name) {
				continue
			}
			visited.Add(p.Embedded.Name)
			collectReferences(p.Embedded.Properties, names, visited)
		}
	}
}

// NeedsMigration is the verdict of an external compatibility check: the
// stored definition cannot be used as-is with the new one.
type NeedsMigration struct {
	// Stored is the definition currently persisted, if any.
	Stored *Definition

	// Target is the definition the store must be migrated to.
	Target Definition

	// Reasons lists human readable explanations of why a migration is needed.
	Reasons []string
}

// Validate checks the verdict is internally consistent.
func (n NeedsMigration) Validate() error {
	if err := n.Target.Validate(); err != nil {
		return errors.Trace(err)
	}
	if n.Stored == nil {
		return nil
	}
	if n.Stored.ID != n.Target.ID {
		return errors.NotValidf("stored schema id %d for target id %d", n.Stored.ID, n.Target.ID)
	}
	from, err := version.Parse(n.Stored.Version)
	if err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("stored version of schema %q", n.Stored.Name))
	}
	to, _ := version.Parse(n.Target.Version)
	if to.Compare(from) < 0 {
		return errors.NotValidf("migrating schema %q backwards from %s to %s", n.Target.Name, from, to)
	}
	return nil
}

// FromVersion returns the stored version, or "" for a new schema.
func (n NeedsMigration) FromVersion() string {
	if n.Stored == nil {
		return ""
	}
	return n.Stored.Version
}

// SortedIDs returns the keys of the input map in ascending order.
func SortedIDs[T any](m map[ID]T) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
