package cli

import (
	"context"
	"path"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
)

// view opens dir shared for the duration of read.
func (a *app) view(dir string, read func(d *atomicdir.Dir) error) error {
	d, err := atomicdir.Open(dir, a.opts)
	if err != nil {
		return err
	}

	defer func() { _ = d.Close() }()

	return read(d)
}

func (a *app) catCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("cat", flag.ContinueOnError),
		Usage: "cat <dir> <rel>",
		Short: "Print a file under a shared lock",
		Args:  2,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.view(a.path(args[0]), func(d *atomicdir.Dir) error {
				data, err := d.ReadFile(args[1])
				if err != nil {
					return err
				}

				o.Printf("%s", data)

				return nil
			})
		},
	}
}

func (a *app) lsCmd() *Command {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	recursive := flags.BoolP("recursive", "r", false, "List subdirectories too")

	return &Command{
		Flags: flags,
		Usage: "ls <dir> [rel] [-r]",
		Short: "List files under a shared lock",
		Long: `List the managed directory <dir> (or the subdirectory <rel> inside it).
Directories are shown with a trailing slash.`,
		Args: 1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			rel := ""
			if len(args) > 1 {
				rel = args[1]
			}

			return a.view(a.path(args[0]), func(d *atomicdir.Dir) error {
				return list(o, d, rel, *recursive)
			})
		},
	}
}

func list(o *IO, d *atomicdir.Dir, rel string, recursive bool) error {
	entries, err := d.ReadDir(rel)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if rel != "" && rel != "." {
			name = path.Join(rel, name)
		}

		if !e.IsDir() {
			o.Println(name)

			continue
		}

		o.Println(name + "/")

		if recursive {
			err = list(o, d, name, true)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
