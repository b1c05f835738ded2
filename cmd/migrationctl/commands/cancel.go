// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commands

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/marykdb/maryk-sub012/cmd"
	"github.com/marykdb/maryk-sub012/core/schema"
)

const cancelDoc = `
Cancel the migration of each given schema and clear its persisted state.
The schema's lease is taken first, so a migration still being run by a
live worker cannot be canceled from here.

A canceled migration starts again from its first phase the next time the
schema is migrated. Canceling is the only way to retry a failed
migration.

Examples:

    migrationctl cancel 3
`

type cancelCommand struct {
	baseCommand
	ids []schema.ID
}

// NewCancelCommand returns a command canceling schema migrations.
func NewCancelCommand() cmd.Command {
	return &cancelCommand{}
}

func (c *cancelCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:        "cancel",
		Args:        "<schema id> ...",
		Purpose:     "Cancel schema migrations and clear their state.",
		Doc:         cancelDoc,
		Intersperse: true,
	}
}

func (c *cancelCommand) SetFlags(f *gnuflag.FlagSet) {
	c.baseCommand.SetFlags(f)
}

func (c *cancelCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no schema id specified")
	}
	ids, err := parseIDs(args)
	if err != nil {
		return errors.Trace(err)
	}
	c.ids = ids
	return nil
}

func (c *cancelCommand) Run(ctx *cmd.Context) error {
	e, err := c.openEngine(ctx, withoutRunner, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer e.Close()

	var failed bool
	for _, id := range c.ids {
		if err := e.driver.Cancel(ctx, id); err != nil {
			logger.Debugf("canceling schema %d: %s", id, errors.ErrorStack(err))
			ctx.Infof("ERROR canceling schema %d: %v", id, err)
			failed = true
			continue
		}
		ctx.Infof("Canceled migration of schema %d.", id)
	}
	if failed {
		return cmd.ErrSilent
	}
	return nil
}
