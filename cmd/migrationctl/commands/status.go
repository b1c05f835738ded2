// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commands

import (
	"fmt"
	"io"

	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

const statusDoc = `
Show the persisted progress of every schema migration that has not
finished. A migration disappears from this list once its final phase
completes or it is canceled.

Examples:

    migrationctl status
    migrationctl status --format yaml 3 7
`

// schemaStatus is the printable progress of one schema migration.
type schemaStatus struct {
	Schema      schema.ID `yaml:"schema" json:"schema"`
	Name        string    `yaml:"name,omitempty" json:"name,omitempty"`
	MigrationID string    `yaml:"migration-id" json:"migration-id"`
	Phase       string    `yaml:"phase" json:"phase"`
	Status      string    `yaml:"status" json:"status"`
	Attempt     uint64    `yaml:"attempt" json:"attempt"`
	From        string    `yaml:"from,omitempty" json:"from,omitempty"`
	To          string    `yaml:"to" json:"to"`
	CursorBytes int       `yaml:"cursor-bytes" json:"cursor-bytes"`
	Message     string    `yaml:"message,omitempty" json:"message,omitempty"`
}

type statusCommand struct {
	baseCommand
	out cmd.Output
	ids []schema.ID
}

// NewStatusCommand returns a command showing unfinished migrations.
func NewStatusCommand() cmd.Command {
	return &statusCommand{}
}

func (c *statusCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "status",
		Args:        "[<schema id> ...]",
		Purpose:     "Show unfinished schema migrations.",
		Doc:         statusDoc,
		Intersperse: true,
	}
}

func (c *statusCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatStatusTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

func (c *statusCommand) Init(args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return errors.Trace(err)
	}
	c.ids = ids
	return nil
}

func (c *statusCommand) Run(ctx *cmd.Context) error {
	e, err := c.openEngine(ctx, withoutRunner, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.Close()

	states, err := e.state.States(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	definitions, err := e.state.Definitions(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	ids := c.ids
	if len(ids) == 0 {
		ids = schema.SortedIDs(states)
	}
	entries := make([]schemaStatus, 0, len(ids))
	for _, id := range ids {
		st, ok := states[id]
		if !ok {
			if len(c.ids) > 0 {
				ctx.Infof("No migration of schema %d in progress.", id)
			}
			continue
		}
		entries = append(entries, newSchemaStatus(id, definitions[id].Name, st))
	}
	if len(entries) == 0 && c.out.Name() == "tabular" {
		if len(c.ids) == 0 {
			ctx.Infof("No schema migrations in progress.")
		}
		return nil
	}
	return errors.Trace(c.out.Write(ctx, entries))
}

func newSchemaStatus(id schema.ID, name string, st migration.State) schemaStatus {
	return schemaStatus{
		Schema:      id,
		Name:        name,
		MigrationID: st.MigrationID,
		Phase:       st.Phase.String(),
		Status:      st.Status.String(),
		Attempt:     st.Attempt,
		From:        st.FromVersion,
		To:          st.ToVersion,
		CursorBytes: len(st.Cursor),
		Message:     st.Message,
	}
}

var statusColors = map[string]*ansiterm.Context{
	migration.StatusRunning.String(): ansiterm.Foreground(ansiterm.Green),
	migration.StatusPartial.String(): ansiterm.Foreground(ansiterm.Blue),
	migration.StatusRetry.String():   ansiterm.Foreground(ansiterm.Yellow),
	migration.StatusFailed.String():  ansiterm.Foreground(ansiterm.BrightRed),
}

func formatStatusTabular(writer io.Writer, value interface{}) error {
	entries, ok := value.([]schemaStatus)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", entries, value)
	}
	tw := ansiterm.NewTabWriter(writer, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEMA\tNAME\tMIGRATION\tPHASE\tSTATUS\tATTEMPT\tFROM\tTO\tCURSOR\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t", e.Schema, e.Name, e.MigrationID, e.Phase)
		if color, ok := statusColors[e.Status]; ok {
			color.Fprintf(tw, "%s", e.Status)
		} else {
			fmt.Fprint(tw, e.Status)
		}
		fmt.Fprintf(tw, "\t%d\t%s\t%s\t%d\t%s\n", e.Attempt, e.From, e.To, e.CursorBytes, e.Message)
	}
	return errors.Trace(tw.Flush())
}

func parseIDs(args []string) ([]schema.ID, error) {
	ids := make([]schema.ID, 0, len(args))
	for _, arg := range args {
		id, err := schema.ParseID(arg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
