package atomicdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// applyEntries applies entries in order against dirPath, taking Overwrite
// sources from tempPath.
//
// Every entry is idempotent, so the full list can be applied again after a
// crash: an Overwrite whose staged source is gone has already been moved, and
// a Delete whose target is gone has already happened. This holds only while no
// Delete precedes an Overwrite below it, which [CommitSchema.Validate]
// enforces. Failing entries do not
// stop the loop; they are collected into an [*ApplyError].
func applyEntries(fsys fs.FS, dirPath, tempPath string, entries []CommitEntry) error {
	var (
		failures []EntryFailure
		touched  = map[string]struct{}{dirPath: {}}
	)

	for _, e := range entries {
		dest := joinRel(dirPath, e.Path())

		var err error

		switch e.Type() {
		case EntryOverwrite:
			err = applyOverwrite(fsys, joinRel(tempPath, e.Path()), dest)
		case EntryDelete:
			err = fsys.RemoveAll(dest)
		default:
			err = fmt.Errorf("%w: unknown entry type %q", ErrInvalidData, e.Type())
		}

		if err != nil {
			failures = append(failures, EntryFailure{Entry: e, Err: err})

			continue
		}

		touched[filepath.Dir(dest)] = struct{}{}
	}

	if len(failures) > 0 {
		return &ApplyError{Failures: failures, Total: len(entries)}
	}

	return syncDirs(fsys, touched)
}

// applyOverwrite moves the staged src onto dest. A staged directory replaces
// whatever is at dest; a staged file fails on a directory dest.
func applyOverwrite(fsys fs.FS, src, dest string) error {
	info, err := fsys.Lstat(src)
	if errors.Is(err, os.ErrNotExist) {
		// Moved by an earlier run of the same journal.
		return nil
	}

	if err != nil {
		return err
	}

	err = fsys.MkdirAll(filepath.Dir(dest), dirPerm)
	if err != nil {
		return err
	}

	if info.IsDir() {
		// The source survives until the rename below, so a replay after a
		// crash in between removes dest again and retries the move.
		err = fsys.RemoveAll(dest)
		if err != nil {
			return err
		}
	}

	return fsys.Rename(src, dest)
}

// syncDirs fsyncs every directory in dirs, deepest first.
func syncDirs(fsys fs.FS, dirs map[string]struct{}) error {
	paths := make([]string, 0, len(dirs))
	for d := range dirs {
		paths = append(paths, d)
	}

	slices.SortFunc(paths, func(a, b string) int { return len(b) - len(a) })

	var errs []error

	for _, d := range paths {
		err := fs.SyncDir(fsys, d)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
