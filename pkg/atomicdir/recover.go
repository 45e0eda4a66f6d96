package atomicdir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// recoverLocked finishes an interrupted commit on the directory held by dl.
//
// With no journal present it does nothing. Otherwise it takes the lock
// exclusively (upgrading a shared lock and downgrading afterwards), replays
// the full journal and bumps the state sequence. It reports whether a journal
// was replayed.
func recoverLocked(dl *DirLock, opts Options) (bool, error) {
	journalPath := dl.AdjacentPath(commitExt)

	journal, err := readJournal(opts.FS, journalPath)
	if err != nil || journal == nil {
		return false, err
	}

	wasShared := dl.Mode() == Shared
	if wasShared {
		err = dl.Upgrade()
		if err != nil {
			return false, fmt.Errorf("upgrading lock for recovery: %w", err)
		}

		// Another process may have recovered while the lock was being
		// converted.
		journal, err = readJournal(opts.FS, journalPath)
		if err != nil || journal == nil {
			return false, errors.Join(err, downgradeIf(dl, wasShared))
		}
	}

	err = replayJournal(dl, journal, opts)
	if err != nil {
		return false, err
	}

	return true, downgradeIf(dl, wasShared)
}

func downgradeIf(dl *DirLock, cond bool) error {
	if !cond {
		return nil
	}

	err := dl.Downgrade()
	if err != nil {
		return fmt.Errorf("downgrading lock after recovery: %w", err)
	}

	return nil
}

// replayJournal applies journal under an exclusive lock. A poisoned
// directory is left alone with [ErrPoisoned]. On failure the directory is
// poisoned and the apply error returned; the journal and staging directory
// stay on disk for [Repair].
func replayJournal(dl *DirLock, journal *CommitSchema, opts Options) error {
	log := opts.Logger.With(slog.String("dir", dl.Path()), slog.String("temp_dir", journal.TempDir()))
	statePath := dl.AdjacentPath(stateExt)

	st, err := readState(opts.FS, statePath)
	if err != nil {
		return fmt.Errorf("recovering %q: %w", dl.Path(), err)
	}

	log.Info("recovering interrupted commit", slog.Int("entries", len(journal.Entries())))

	err = requireStagingDir(opts.FS, dl.Parent(), journal)
	if err == nil {
		err = applyEntries(opts.FS, dl.Path(), filepath.Join(dl.Parent(), journal.TempDir()), journal.Entries())
	}

	if err != nil {
		poisonErr := writeState(opts.FS, statePath, st.Poison())
		log.Error("recovery failed, directory poisoned", slog.Any("error", err))

		return errors.Join(fmt.Errorf("recovering %q: %w", dl.Path(), err), poisonErr)
	}

	err = finishCommit(dl, adoptTempDir(opts.FS, dl.Parent(), journal.TempDir(), opts.Logger), st, opts)
	if err != nil {
		return fmt.Errorf("recovering %q: %w", dl.Path(), err)
	}

	log.Info("recovery finished", slog.Uint64("sequence", uint64(st.Next().Sequence())))

	return nil
}

// requireStagingDir checks that the staging directory named by journal is
// still there. Without it the Overwrite entries have nothing to move, and
// replaying only the Deletes would leave half a commit.
func requireStagingDir(fsys fs.FS, parent string, journal *CommitSchema) error {
	info, err := fsys.Lstat(filepath.Join(parent, journal.TempDir()))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: staging directory %q missing", ErrInvalidData, journal.TempDir())
	}

	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: staging directory %q is not a directory", ErrInvalidData, journal.TempDir())
	}

	return nil
}

// finishCommit runs the steps after every entry applied: drop the journal,
// persist the next state and remove the staging directory.
func finishCommit(dl *DirLock, temp *TempDir, st DirState, opts Options) error {
	err := removeJournal(opts.FS, dl.AdjacentPath(commitExt), dl.Parent())
	if err != nil {
		return err
	}

	err = writeState(opts.FS, dl.AdjacentPath(stateExt), st.Next())
	if err != nil {
		return err
	}

	temp.Close()

	return nil
}

// requireDir checks that path exists and is a directory.
func requireDir(opts Options, path string) error {
	info, err := opts.FS.Stat(path)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("opening %q: %w: not a directory", path, ErrInvalidPath)
	}

	return nil
}
