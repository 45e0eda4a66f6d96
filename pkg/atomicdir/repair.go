package atomicdir

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Recover takes the directory lock exclusively and finishes an interrupted
// commit, if any. [Open] does this on its own; Recover exists for tooling
// that wants to do it eagerly. It reports whether a journal was replayed.
func Recover(path string, opts Options) (bool, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return false, err
	}

	dl, err := AcquireDirLock(path, Exclusive, opts)
	if err != nil {
		return false, err
	}

	defer func() { _ = dl.Close() }()

	err = requireDir(opts, dl.Path())
	if err != nil {
		return false, err
	}

	return recoverLocked(dl, opts)
}

// Repair is the explicit way out of a poisoned or unreadable state.
//
// Under an exclusive lock it replays any journal (failing, and leaving the
// directory poisoned, if that still does not apply) and then writes a clean
// state whose sequence is one past the previous one, or 1 if the previous
// state could not be read. A journal whose staging directory is gone is
// discarded unapplied. The directory content is trusted as it is.
func Repair(path string, opts Options) (*Dir, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	dl, err := AcquireDirLock(path, Exclusive, opts)
	if err != nil {
		return nil, err
	}

	d, err := repairLocked(dl, opts)
	if err != nil {
		_ = dl.Close()

		return nil, err
	}

	return d, nil
}

func repairLocked(dl *DirLock, opts Options) (*Dir, error) {
	log := opts.Logger.With(slog.String("dir", dl.Path()))

	err := requireDir(opts, dl.Path())
	if err != nil {
		return nil, err
	}

	statePath := dl.AdjacentPath(stateExt)

	clean := NewDirState()

	prev, err := readStateIgnoringPoison(opts.FS, statePath)
	if err == nil {
		clean = DirState{sequence: prev.Next().Sequence()}
	} else {
		log.Warn("state unreadable, starting over", slog.Any("error", err))
	}

	journal, err := readJournal(opts.FS, dl.AdjacentPath(commitExt))
	if err != nil {
		return nil, fmt.Errorf("repairing %q: %w", dl.Path(), err)
	}

	if journal != nil && errors.Is(requireStagingDir(opts.FS, dl.Parent(), journal), ErrInvalidData) {
		log.Warn("staging directory missing, discarding journal", slog.String("temp_dir", journal.TempDir()))

		err = removeJournal(opts.FS, dl.AdjacentPath(commitExt), dl.Parent())
		if err != nil {
			return nil, err
		}

		journal = nil
	}

	if journal != nil {
		err = applyEntries(opts.FS, dl.Path(), filepath.Join(dl.Parent(), journal.TempDir()), journal.Entries())
		if err != nil {
			return nil, fmt.Errorf("repairing %q: %w", dl.Path(), err)
		}

		err = removeJournal(opts.FS, dl.AdjacentPath(commitExt), dl.Parent())
		if err != nil {
			return nil, err
		}

		adoptTempDir(opts.FS, dl.Parent(), journal.TempDir(), opts.Logger).Close()
	}

	err = writeState(opts.FS, statePath, clean)
	if err != nil {
		return nil, err
	}

	log.Info("directory repaired", slog.Uint64("sequence", uint64(clean.Sequence())))

	err = dl.Downgrade()
	if err != nil {
		return nil, err
	}

	return &Dir{lock: dl, state: clean, opts: opts}, nil
}
