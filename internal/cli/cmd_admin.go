package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
)

func (a *app) statusCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
		Usage: "status <dir>",
		Short: "Show lock, journal, state and staging dirs",
		Long: `Inspect a managed directory and its sidecar files without changing them.
Pending journals and poisoned state are reported as warnings (exit code 1).`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.execStatus(o, a.path(args[0]))
		},
	}
}

func (a *app) execStatus(o *IO, dir string) error {
	rep, err := atomicdir.Status(dir, a.opts)
	if err != nil {
		return err
	}

	if rep.StateErr != nil && errors.Is(rep.StateErr, atomicdir.ErrPoisoned) {
		o.Warn("directory is poisoned", "inspect it, then run 'adir repair "+dir+"'")
	}

	if rep.Journal != nil {
		o.Warn("interrupted commit pending", "run 'adir recover "+dir+"'")
	}

	o.Println("path=" + rep.Path)
	o.Printf("exists=%t\n", rep.Exists)
	o.Printf("busy=%t\n", rep.Busy)

	switch {
	case rep.StateErr == nil:
		o.Println("state=" + rep.State.String())
	case errors.Is(rep.StateErr, atomicdir.ErrPoisoned):
		o.Println("state=" + rep.State.String())
	default:
		o.Println("state=error: " + rep.StateErr.Error())
	}

	switch {
	case rep.JournalErr != nil:
		o.Println("journal=error: " + rep.JournalErr.Error())
	case rep.Journal == nil:
		o.Println("journal=none")
	default:
		o.Printf("journal=pending temp_dir=%s entries=%d\n", rep.Journal.TempDir(), len(rep.Journal.Entries()))
	}

	o.Printf("staging_dirs=%d\n", len(rep.Orphans))

	for _, p := range rep.Orphans {
		info, err := a.opts.FS.Stat(p)
		if err != nil {
			o.Println("  " + p)

			continue
		}

		o.Printf("  %s (modified %s)\n", p, humanize.Time(info.ModTime()))
	}

	return nil
}

func (a *app) recoverCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("recover", flag.ContinueOnError),
		Usage: "recover <dir>",
		Short: "Finish an interrupted commit now",
		Long: `Replay the journal of an interrupted commit. Every open does this on its
own; recover does it eagerly. A failing replay poisons the directory.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			dir := a.path(args[0])

			replayed, err := atomicdir.Recover(dir, a.opts)
			if err != nil {
				return err
			}

			if replayed {
				o.Println("recovered interrupted commit in " + dir)
			} else {
				o.Println("nothing to recover in " + dir)
			}

			return nil
		},
	}
}

func (a *app) repairCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("repair", flag.ContinueOnError),
		Usage: "repair <dir>",
		Short: "Clear a poisoned or unreadable state",
		Long: `Replay any pending journal and write a clean state file, trusting the
directory content as it is. Use after fixing whatever made recovery fail.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			dir := a.path(args[0])

			d, err := atomicdir.Repair(dir, a.opts)
			if err != nil {
				return err
			}

			defer func() { _ = d.Close() }()

			o.Printf("repaired %s (%s)\n", dir, d.State())

			return nil
		},
	}
}

func (a *app) sweepCmd() *Command {
	flags := flag.NewFlagSet("sweep", flag.ContinueOnError)
	minAge := flags.String("min-age", "", "Only remove staging dirs older than `duration` (default from config)")

	return &Command{
		Flags: flags,
		Usage: "sweep <parent> [--min-age d]",
		Short: "Remove orphaned staging dirs",
		Long: `Remove staging directories left behind by crashed writers directly below
<parent>. Directories whose lock is held, or that a pending journal still
needs, are kept.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			age := a.cfg.SweepMinAgeDur

			if *minAge != "" {
				d, err := time.ParseDuration(*minAge)
				if err != nil || d < 0 {
					return fmt.Errorf("invalid --min-age %q", *minAge)
				}

				age = d
			}

			res, err := atomicdir.Sweep(a.path(args[0]), age, a.opts)
			if err != nil {
				return err
			}

			for _, p := range res.Removed {
				o.Println("removed " + p)
			}

			for _, s := range res.Skipped {
				o.Println("kept " + s.Path + ": " + s.Reason)
			}

			return nil
		},
	}
}
