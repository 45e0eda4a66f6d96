package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one adir subcommand. The global usage listing and
// "adir <cmd> --help" are both built from its fields.
type Command struct {
	// Flags are parsed interspersed with the positional arguments.
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "cat <dir> <rel>".
	Usage string
	Short string
	// Long is shown by --help; Short is used when it is empty.
	Long string

	// Args is the minimum number of positional arguments.
	Args int

	Exec func(ctx context.Context, o *IO, args []string) error
}

func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's row in the global usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

func (c *Command) PrintHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Printf("Usage: adir %s\n\n%s\n", c.Usage, desc)

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	var defaults strings.Builder

	c.Flags.SetOutput(&defaults)
	c.Flags.PrintDefaults()
	o.Printf("\nFlags:\n%s", defaults.String())
}

// Run parses args and executes the command, printing any error itself.
// It returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	// pflag's own error and usage output is replaced by ours.
	c.Flags.SetOutput(io.Discard)

	err := c.Flags.Parse(args)

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		return c.usageError(o, err)
	case c.Flags.NArg() < c.Args:
		return c.usageError(o, fmt.Errorf("%w: %s needs %d, got %d", errMissingArgs, c.Name(), c.Args, c.Flags.NArg()))
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}

func (c *Command) usageError(o *IO, err error) int {
	o.ErrPrintln("error:", err)
	o.ErrPrintln()
	c.PrintHelp(o.stderr())

	return 1
}
