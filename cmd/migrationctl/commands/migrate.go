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
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/schema"
	"github.com/marykdb/maryk-sub012/internal/migration/driver"
	"github.com/marykdb/maryk-sub012/internal/worker/schemamigrator"
)

const migrateDoc = `
Migrate the store to the schema definitions in the given file. Each
schema whose stored version differs from the file is stepped through
every migration phase in dependency order, after which the new
definition is stored.

The phases do not touch stored data, so this only suits changes the
existing data already satisfies, such as new optional properties.
Schemas leased by another process are retried until they finish. A
schema that fails is left for "cancel".

Examples:

    migrationctl migrate schemas.yaml
    migrationctl migrate --config migrations.yaml --format yaml schemas.yaml
`

// migrationSummary reports where one schema ended up after a migrate run.
type migrationSummary struct {
	Schema  schema.ID `yaml:"schema" json:"schema"`
	Name    string    `yaml:"name" json:"name"`
	Version string    `yaml:"version" json:"version"`
	Result  string    `yaml:"result" json:"result"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

type migrateCommand struct {
	baseCommand
	out         cmd.Output
	definitions cmd.FileVar
	showMetrics bool
}

// NewMigrateCommand returns a command migrating schemas to the
// definitions of a file.
func NewMigrateCommand() cmd.Command {
	return &migrateCommand{}
}

func (c *migrateCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "migrate",
		Args:        "<definitions file>",
		Purpose:     "Migrate schemas to new definitions.",
		Doc:         migrateDoc,
		Intersperse: true,
	}
}

func (c *migrateCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
	f.BoolVar(&c.showMetrics, "metrics", false, "Print migration metrics to stderr when done")
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatMigrateTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

func (c *migrateCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no definitions file specified")
	}
	if err := c.definitions.Set(args[0]); err != nil {
		return errors.Trace(err)
	}
	return cmd.CheckEmpty(args[1:])
}

func (c *migrateCommand) Run(ctx *cmd.Context) error {
	targets, err := readDefinitions(ctx, &c.definitions)
	if err != nil {
		return errors.Trace(err)
	}

	metrics := driver.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics); err != nil {
		return errors.Trace(err)
	}

	e, err := c.openEngine(ctx, recordOnly, metrics)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.Close()

	done := make(chan struct{})
	w, err := schemamigrator.NewWorker(schemamigrator.Config{
		Source:        schemamigrator.NewVersionSource(e.state, targets),
		Migrator:      e.driver,
		Clock:         c.now(),
		Logger:        loggo.GetLogger("maryk.worker.schemamigrator"),
		RetryInterval: e.config.RetryInterval,
		Done:          done,
	})
	if err != nil {
		return errors.Trace(err)
	}
	stopped := make(chan error, 1)
	go func() {
		stopped <- w.Wait()
	}()
	select {
	case <-done:
		w.Kill()
		err = <-stopped
	case <-ctx.Done():
		w.Kill()
		err = <-stopped
	case err = <-stopped:
	}
	if err != nil {
		return errors.Trace(err)
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotate(err, "migration interrupted")
	}

	if c.showMetrics {
		c.printMetrics(ctx, registry)
	}

	summary, err := c.summarise(ctx, e, targets)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.out.Write(ctx, summary))
}

func (c *migrateCommand) summarise(ctx *cmd.Context, e *engine, targets []schema.Definition) ([]migrationSummary, error) {
	stored, err := e.state.Definitions(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	states, err := e.state.States(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	summary := make([]migrationSummary, len(targets))
	for i, target := range targets {
		entry := migrationSummary{
			Schema:  target.ID,
			Name:    target.Name,
			Version: target.Version,
			Result:  "pending",
		}
		if st, ok := states[target.ID]; ok {
			entry.Result = st.Status.String()
			entry.Message = st.Message
		} else if def, ok := stored[target.ID]; ok && def.Version == target.Version {
			entry.Result = "migrated"
		}
		summary[i] = entry
	}
	return summary, nil
}

func (c *migrateCommand) printMetrics(ctx *cmd.Context, registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		logger.Warningf("gathering metrics: %v", err)
		return
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var labels []string
			for _, label := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
			}
			value := metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
			ctx.Infof("%s{%s} %v", family.GetName(), strings.Join(labels, ","), value)
		}
	}
}

func formatMigrateTabular(writer io.Writer, value interface{}) error {
	entries, ok := value.([]migrationSummary)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", entries, value)
	}
	tw := ansiterm.NewTabWriter(writer, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEMA\tNAME\tVERSION\tRESULT\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t", e.Schema, e.Name, e.Version)
		switch e.Result {
		case "migrated":
			ansiterm.Foreground(ansiterm.Green).Fprintf(tw, "%s", e.Result)
		case "pending":
			fmt.Fprint(tw, e.Result)
		default:
			ansiterm.Foreground(ansiterm.BrightRed).Fprintf(tw, "%s", e.Result)
		}
		fmt.Fprintf(tw, "\t%s\n", e.Message)
	}
	return errors.Trace(tw.Flush())
}
