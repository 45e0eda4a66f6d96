package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
)

// update opens dir, lets stage fill a builder and commits it.
func (a *app) update(o *IO, dir string, stage func(b *atomicdir.Builder) error) error {
	d, err := atomicdir.Open(dir, a.opts)
	if err != nil {
		return err
	}

	b, err := d.BeginUpdate()
	if err != nil {
		_ = d.Close()

		return err
	}

	defer func() { _ = b.Close() }()

	err = stage(b)
	if err != nil {
		return err
	}

	d, err = b.Commit()
	if err != nil {
		return err
	}

	defer func() { _ = d.Close() }()

	o.Printf("committed %s (%s)\n", dir, d.State())

	return nil
}

func (a *app) putCmd() *Command {
	flags := flag.NewFlagSet("put", flag.ContinueOnError)
	file := flags.StringP("file", "f", "", "Read content from `path` instead of stdin")

	return &Command{
		Flags: flags,
		Usage: "put <dir> <rel> [--file path]",
		Short: "Write one file atomically",
		Long: `Replace the file at <rel> inside the managed directory <dir> with the
content of stdin (or --file) in a single commit.`,
		Args: 2,
		Exec: func(_ context.Context, o *IO, args []string) error {
			data, err := a.readInput(*file)
			if err != nil {
				return err
			}

			return a.update(o, a.path(args[0]), func(b *atomicdir.Builder) error {
				return b.WriteFile(args[1], data)
			})
		},
	}
}

func (a *app) readInput(file string) ([]byte, error) {
	if file != "" {
		return a.opts.FS.ReadFile(a.path(file))
	}

	if a.in == nil {
		return nil, fmt.Errorf("%w: pass content on stdin or use --file", errNoInput)
	}

	return io.ReadAll(a.in)
}

func (a *app) rmCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("rm", flag.ContinueOnError),
		Usage: "rm <dir> <rel>...",
		Short: "Delete files atomically",
		Long: `Delete every <rel> (recursively for directories) from the managed
directory <dir> in a single commit. Every path must exist.`,
		Args: 2,
		Exec: func(_ context.Context, o *IO, args []string) error {
			dir := a.path(args[0])

			return a.update(o, dir, func(b *atomicdir.Builder) error {
				for _, rel := range args[1:] {
					err := b.RemoveFile(rel)
					if err != nil {
						return err
					}

					exists, err := a.opts.FS.Exists(filepath.Join(b.Path(), filepath.FromSlash(rel)))
					if err != nil {
						return err
					}

					if !exists {
						return fmt.Errorf("removing %q: %w", rel, os.ErrNotExist)
					}
				}

				return nil
			})
		},
	}
}
