// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

// LoggingConfigEnvKey names the environment variable holding the loggo
// configuration used by the maryk binaries.
const LoggingConfigEnvKey = "MARYK_LOGGING_CONFIG"

func init() {
	// If the environment key is empty, ConfigureLoggers returns nil and does
	// nothing.
	err := loggo.ConfigureLoggers(os.Getenv(LoggingConfigEnvKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", LoggingConfigEnvKey, err)
	}
}

var logger = loggo.GetLogger("maryk.cmd")

// SuperCommandParams provides a way to have default parameter to the
// NewSuperCommand call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string
}

// SuperCommand is a Command that selects a subcommand and passes the rest
// of the arguments on to it.
type SuperCommand struct {
	params      SuperCommandParams
	subcommands map[string]Command
	subcmd      Command
	subargs     []string
}

// NewSuperCommand creates and initializes a new SuperCommand.
func NewSuperCommand(p SuperCommandParams) *SuperCommand {
	return &SuperCommand{
		params:      p,
		subcommands: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line.
func (c *SuperCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcommands[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcommands[name] = subcmd
}

// Info is part of the Command interface.
func (c *SuperCommand) Info() *Info {
	names := make([]string, 0, len(c.subcommands))
	for name := range c.subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	var doc strings.Builder
	if c.params.Doc != "" {
		doc.WriteString(strings.TrimSpace(c.params.Doc))
		doc.WriteString("\n\n")
	}
	doc.WriteString("commands:\n")
	for _, name := range names {
		fmt.Fprintf(&doc, "    %-10s - %s\n", name, c.subcommands[name].Info().Purpose)
	}
	return &Info{
		Name:    c.params.Name,
		Args:    "<command> ...",
		Purpose: c.params.Purpose,
		Doc:     doc.String(),
	}
}

// SetFlags is part of the Command interface. The super command takes no
// options of its own.
func (c *SuperCommand) SetFlags(*gnuflag.FlagSet) {}

// Init is part of the Command interface.
func (c *SuperCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	subcmd, found := c.subcommands[args[0]]
	if !found {
		return errors.Errorf("unrecognized command: %s %s", c.params.Name, args[0])
	}
	c.subcmd = subcmd
	c.subargs = args[1:]
	return nil
}

// Run is part of the Command interface.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.subcmd == nil {
		return errors.New("no command selected")
	}
	if err := Parse(c.subcmd, ctx.Stderr, c.subargs); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			return nil
		}
		return errors.Trace(err)
	}
	logger.Infof("running %s %s [%s %s]", c.params.Name, c.subcmd.Info().Name, runtime.Compiler, runtime.Version())
	return c.subcmd.Run(ctx)
}
