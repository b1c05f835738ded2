// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package commands holds the subcommands of migrationctl, the operator tool
// for inspecting and steering schema migrations in a sqlite store.
package commands

import (
	"github.com/marykdb/maryk-sub012/cmd"
)

const migrationctlDoc = `
migrationctl inspects and steers the schema migrations recorded in a
migration database. Every command accepts --config, naming a YAML
migration config file, and --database, overriding its database-path.

Set MARYK_LOGGING_CONFIG, for example to "<root>=DEBUG", for more output.
`

// NewSuperCommand returns the migrationctl command with every subcommand
// registered.
func NewSuperCommand() *cmd.SuperCommand {
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "migrationctl",
		Purpose: "Inspect and steer schema migrations.",
		Doc:     migrationctlDoc,
	})
	super.Register(NewStatusCommand())
	super.Register(NewAuditCommand())
	super.Register(NewCancelCommand())
	super.Register(NewOrderCommand())
	super.Register(NewMigrateCommand())
	return super
}
