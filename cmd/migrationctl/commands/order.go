// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"gopkg.in/yaml.v3"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/sequence"
)

const orderDoc = `
Show the order in which schemas are migrated. Schemas come after every
schema they depend on, and otherwise sort by name.

The stored definitions are ordered, with any definitions read from the
optional file taking the place of the stored ones with the same id.

Examples:

    migrationctl order
    migrationctl order schemas.yaml
`

// orderedSchema is one entry of a migration order.
type orderedSchema struct {
	Schema    schema.ID `yaml:"schema" json:"schema"`
	Name      string    `yaml:"name" json:"name"`
	Version   string    `yaml:"version" json:"version"`
	DependsOn []string  `yaml:"depends-on,omitempty" json:"depends-on,omitempty"`
}

type orderCommand struct {
	baseCommand
	out         cmd.Output
	definitions cmd.FileVar
}

// NewOrderCommand returns a command showing the migration order of
// schemas.
func NewOrderCommand() cmd.Command {
	return &orderCommand{}
}

func (c *orderCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "order",
		Args:        "[<definitions file>]",
		Purpose:     "Show the order in which schemas are migrated.",
		Doc:         orderDoc,
		Intersperse: true,
	}
}

func (c *orderCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatOrderTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

func (c *orderCommand) Init(args []string) error {
	if len(args) > 0 {
		if err := c.definitions.Set(args[0]); err != nil {
			return errors.Trace(err)
		}
		args = args[1:]
	}
	return cmd.CheckEmpty(args)
}

func (c *orderCommand) Run(ctx *cmd.Context) error {
	e, err := c.openEngine(ctx, withoutRunner, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.Close()

	schemas, err := e.state.Definitions(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	targets, err := readDefinitions(ctx, &c.definitions)
	if err != nil {
		return errors.Trace(err)
	}
	for _, def := range targets {
		schemas[def.ID] = def
	}

	order, err := sequence.Order(schemas)
	if err != nil {
		return errors.Trace(err)
	}
	dependencies := sequence.Dependencies(schemas)
	entries := make([]orderedSchema, len(order))
	for i, id := range order {
		def := schemas[id]
		entries[i] = orderedSchema{
			Schema:  id,
			Name:    def.Name,
			Version: def.Version,
		}
		for _, dep := range dependencies[id] {
			entries[i].DependsOn = append(entries[i].DependsOn, schemas[dep].Name)
		}
	}
	if len(entries) == 0 && c.out.Name() == "tabular" {
		ctx.Infof("No schemas to order.")
		return nil
	}
	return errors.Trace(c.out.Write(ctx, entries))
}

func formatOrderTabular(writer io.Writer, value interface{}) error {
	entries, ok := value.([]orderedSchema)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", entries, value)
	}
	tw := ansiterm.NewTabWriter(writer, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSCHEMA\tNAME\tVERSION\tDEPENDS ON")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", i+1, e.Schema, e.Name, e.Version, strings.Join(e.DependsOn, ", "))
	}
	return errors.Trace(tw.Flush())
}

// readDefinitions reads a YAML list of schema definitions. An unset file
// holds no definitions.
func readDefinitions(ctx *cmd.Context, file *cmd.FileVar) ([]schema.Definition, error) {
	data, err := file.Read(ctx)
	if err != nil || data == nil {
		return nil, errors.Trace(err)
	}
	var defs []schema.Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("definitions in %s", file.Path))
	}
	seen := make(map[schema.ID]bool, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, errors.Annotatef(err, "definitions in %s", file.Path)
		}
		if seen[def.ID] {
			return nil, errors.NotValidf("duplicate schema id %d in %s", def.ID, file.Path)
		}
		seen[def.ID] = true
	}
	return defs, nil
}
