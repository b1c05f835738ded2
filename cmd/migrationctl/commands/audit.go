// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/migration"
	"github.com/marykdb/maryk-sub012/core/schema"
)

const auditDoc = `
Show the latest retained audit events of a schema's migrations, oldest
first. The "line" format prints the events in their persisted form.

Examples:

    migrationctl audit 3
    migrationctl audit --limit 5 --format line 3
`

// auditEntry is the printable form of one audit event.
type auditEntry struct {
	Time        time.Time `yaml:"time" json:"time"`
	MigrationID string    `yaml:"migration-id" json:"migration-id"`
	Type        string    `yaml:"type" json:"type"`
	Phase       string    `yaml:"phase,omitempty" json:"phase,omitempty"`
	Attempt     uint64    `yaml:"attempt,omitempty" json:"attempt,omitempty"`
	Message     string    `yaml:"message,omitempty" json:"message,omitempty"`

	schema schema.ID
	event  migration.AuditEvent
}

type auditCommand struct {
	baseCommand
	out   cmd.Output
	limit int
	utc   bool
	id    schema.ID
}

// NewAuditCommand returns a command showing a schema's audit trail.
func NewAuditCommand() cmd.Command {
	return &auditCommand{}
}

func (c *auditCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "audit",
		Args:        "<schema id>",
		Purpose:     "Show the migration audit trail of a schema.",
		Doc:         auditDoc,
		Intersperse: true,
	}
}

func (c *auditCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.IntVar(&c.limit, "limit", 0, "Show at most this many of the latest events (0 shows all)")
	f.BoolVar(&c.utc, "utc", false, "Show absolute times in UTC instead of relative times")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": c.formatTabular,
		"line":    formatAuditLines,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

func (c *auditCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no schema id specified")
	}
	id, err := schema.ParseID(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	if c.limit < 0 {
		return errors.NotValidf("negative limit %d", c.limit)
	}
	c.id = id
	return cmd.CheckEmpty(args[1:])
}

func (c *auditCommand) Run(ctx *cmd.Context) error {
	e, err := c.openEngine(ctx, withoutRunner, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.Close()

	events, err := e.driver.AuditTrail(ctx, c.id, c.limit)
	if err != nil {
		return errors.Trace(err)
	}
	if len(events) == 0 && c.out.Name() == "tabular" {
		ctx.Infof("No audit events for schema %d.", c.id)
		return nil
	}
	entries := make([]auditEntry, len(events))
	for i, event := range events {
		entries[i] = auditEntry{
			Time:        event.Timestamp.UTC(),
			MigrationID: event.MigrationID,
			Type:        string(event.Type),
			Attempt:     event.Attempt,
			Message:     event.Message,
			schema:      c.id,
			event:       event,
		}
		if event.Phase != migration.UNKNOWN {
			entries[i].Phase = event.Phase.String()
		}
	}
	return errors.Trace(c.out.Write(ctx, entries))
}

var auditColors = map[string]*ansiterm.Context{
	string(migration.AuditCompleted):      ansiterm.Foreground(ansiterm.Green),
	string(migration.AuditPhaseCompleted): ansiterm.Foreground(ansiterm.Green),
	string(migration.AuditRetryScheduled): ansiterm.Foreground(ansiterm.Yellow),
	string(migration.AuditLeaseRejected):  ansiterm.Foreground(ansiterm.Yellow),
	string(migration.AuditPaused):         ansiterm.Foreground(ansiterm.Yellow),
	string(migration.AuditFailed):         ansiterm.Foreground(ansiterm.BrightRed),
	string(migration.AuditCanceled):       ansiterm.Foreground(ansiterm.BrightRed),
}

func (c *auditCommand) formatTabular(writer io.Writer, value interface{}) error {
	entries, ok := value.([]auditEntry)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", entries, value)
	}
	now := c.now().Now()
	tw := ansiterm.NewTabWriter(writer, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMIGRATION\tEVENT\tPHASE\tATTEMPT\tMESSAGE")
	for _, e := range entries {
		when := humanize.RelTime(e.Time, now, "ago", "from now")
		if c.utc {
			when = e.Time.Format(time.RFC3339)
		}
		attempt := ""
		if e.Attempt > 0 {
			attempt = fmt.Sprint(e.Attempt)
		}
		fmt.Fprintf(tw, "%s\t%s\t", when, e.MigrationID)
		if color, ok := auditColors[e.Type]; ok {
			color.Fprintf(tw, "%s", e.Type)
		} else {
			fmt.Fprint(tw, e.Type)
		}
		fmt.Fprintf(tw, "\t%s\t%s\t%s\n", e.Phase, attempt, e.Message)
	}
	return errors.Trace(tw.Flush())
}

func formatAuditLines(writer io.Writer, value interface{}) error {
	entries, ok := value.([]auditEntry)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", entries, value)
	}
	for _, e := range entries {
		if _, err := fmt.Fprintln(writer, migration.EncodeAuditEvent(e.schema, e.event)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
