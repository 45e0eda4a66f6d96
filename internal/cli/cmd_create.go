package cli

import (
	"context"
	iofs "io/fs"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
)

func (a *app) createCmd() *Command {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	from := flags.String("from", "", "Copy the regular files below `src` into the new directory")

	return &Command{
		Flags: flags,
		Usage: "create <dir> [--from src]",
		Short: "Create a managed directory",
		Long: `Create a new managed directory. The directory is staged beside its final
location and moved into place in one rename, so it appears complete or not
at all. The directory must not exist yet.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.execCreate(o, a.path(args[0]), *from)
		},
	}
}

func (a *app) execCreate(o *IO, dir, from string) error {
	b, err := atomicdir.Create(dir, a.opts)
	if err != nil {
		return err
	}

	defer func() { _ = b.Close() }()

	n := 0

	if from != "" {
		n, err = a.stageTree(b, a.path(from))
		if err != nil {
			return err
		}
	}

	d, err := b.Commit()
	if err != nil {
		return err
	}

	defer func() { _ = d.Close() }()

	o.Printf("created %s (%s, %d files)\n", dir, d.State(), n)

	return nil
}

// stageTree writes every regular file below src into b. Symlinks and other
// special files are skipped.
func (a *app) stageTree(b *atomicdir.Builder, src string) (int, error) {
	n := 0

	err := filepath.WalkDir(src, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}

		data, err := a.opts.FS.ReadFile(p)
		if err != nil {
			return err
		}

		n++

		return b.WriteFile(filepath.ToSlash(rel), data)
	})

	return n, err
}

func (a *app) initCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("init", flag.ContinueOnError),
		Usage: "init <dir>",
		Short: "Adopt an existing directory",
		Long: `Start managing an existing plain directory by writing its state file.
An existing state file is kept, so init is safe to repeat.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			dir := a.path(args[0])

			d, err := atomicdir.Init(dir, a.opts)
			if err != nil {
				return err
			}

			defer func() { _ = d.Close() }()

			o.Printf("initialized %s (%s)\n", dir, d.State())

			return nil
		},
	}
}
