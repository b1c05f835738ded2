// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sequence_test

import (
	"math/rand"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/sequence"
)

type SequenceSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(new(SequenceSuite))

func def(id schema.ID, name string, deps ...string) schema.Definition {
	return schema.Definition{ID: id, Name: name, Version: "1.0.0", Dependencies: deps}
}

func defs(ds ...schema.Definition) map[schema.ID]schema.Definition {
	m := make(map[schema.ID]schema.Definition, len(ds))
	for _, d := range ds {
		m[d.ID] = d
	}
	return m
}

func (s *SequenceSuite) TestOrderChain(c *gc.C) {
	order, err := sequence.Order(defs(
		def(3, "C", "B"),
		def(2, "B", "A"),
		def(1, "A"),
	))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, jc.DeepEquals, []schema.ID{1, 2, 3})
}

func (s *SequenceSuite) TestOrderIndependentByNameThenID(c *gc.C) {
	order, err := sequence.Order(defs(
		def(1, "Zebra"),
		def(2, "Apple"),
		def(5, "Mango"),
		def(4, "Mango"),
	))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, jc.DeepEquals, []schema.ID{2, 4, 5, 1})
}

func (s *SequenceSuite) TestOrderReadyQueueStaysSorted(c *gc.C) {
	// Releasing "B" makes "A2" ready; it must overtake "C" which was
	// queued earlier.
	order, err := sequence.Order(defs(
		def(1, "B"),
		def(2, "C"),
		def(3, "A2", "B"),
	))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, jc.DeepEquals, []schema.ID{1, 3, 2})
}

func (s *SequenceSuite) TestOrderReferencesAndEmbedded(c *gc.C) {
	person := schema.Definition{
		ID:      1,
		Name:    "Person",
		Version: "1.0.0",
		Properties: []schema.Property{{
			Name: "address",
			Kind: schema.EmbeddedProperty,
			Embedded: &schema.Definition{
				Name: "Address",
				Properties: []schema.Property{
					{Name: "country", Kind: schema.ReferenceProperty, Target: "Country"},
				},
			},
		}, {
			Name: "self", Kind: schema.ReferenceProperty, Target: "Person",
		}},
	}
	order, err := sequence.Order(defs(person, def(2, "Country")))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, jc.DeepEquals, []schema.ID{2, 1})
}

func (s *SequenceSuite) TestOrderIgnoresUnknownNames(c *gc.C) {
	order, err := sequence.Order(defs(def(1, "A", "Elsewhere")))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, jc.DeepEquals, []schema.ID{1})
}

func (s *SequenceSuite) TestOrderEmpty(c *gc.C) {
	order, err := sequence.Order(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(order, gc.HasLen, 0)
}

func (s *SequenceSuite) TestCycle(c *gc.C) {
	_, err := sequence.Order(defs(
		def(1, "A", "B"),
		def(2, "B", "A"),
	))
	c.Assert(err, jc.ErrorIs, sequence.ErrDependencyCycle)
	c.Assert(err, gc.ErrorMatches, "dependency cycle: A -> B -> A")

	var cycleErr *sequence.CycleError
	c.Assert(errors.As(err, &cycleErr), jc.IsTrue)
	c.Assert(cycleErr.Path, jc.DeepEquals, []string{"A", "B", "A"})
}

func (s *SequenceSuite) TestCycleExcludesHealthySchemas(c *gc.C) {
	_, err := sequence.Order(defs(
		def(1, "Root"),
		def(2, "Left", "Root", "Right"),
		def(3, "Right", "Middle"),
		def(4, "Middle", "Left"),
		def(5, "Leaf", "Left"),
	))
	c.Assert(err, gc.ErrorMatches, "dependency cycle: Left -> Right -> Middle -> Left")
}

func (s *SequenceSuite) TestDependencies(c *gc.C) {
	deps := sequence.Dependencies(defs(
		def(1, "A"),
		def(2, "B", "A", "A", "B", "Missing"),
	))
	c.Assert(deps, jc.DeepEquals, map[schema.ID][]schema.ID{
		1: {},
		2: {1},
	})
}

func (s *SequenceSuite) TestOrderIsValidAndDeterministic(c *gc.C) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for round := 0; round < 50; round++ {
		schemas := make(map[schema.ID]schema.Definition)
		for i, name := range names {
			var deps []string
			// Only depend on earlier names, which keeps the graph acyclic.
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, names[j])
				}
			}
			id := schema.ID(rng.Intn(1000) + i*1000)
			schemas[id] = def(id, name, deps...)
		}

		order, err := sequence.Order(schemas)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(order, gc.HasLen, len(schemas))

		position := make(map[schema.ID]int)
		for i, id := range order {
			position[id] = i
		}
		for id, ds := range sequence.Dependencies(schemas) {
			for _, dep := range ds {
				c.Assert(position[dep] < position[id], jc.IsTrue)
			}
		}

		again, err := sequence.Order(schemas)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(again, jc.DeepEquals, order)
	}
}
