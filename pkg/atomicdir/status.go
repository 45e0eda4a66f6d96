package atomicdir

import (
	"errors"
	"path/filepath"
)

// StatusReport describes a managed directory and its sidecar files.
type StatusReport struct {
	Path     string
	Exists   bool
	LockFile bool
	// Busy is set when another holder has the lock exclusively.
	Busy bool

	Journal    *CommitSchema
	JournalErr error

	State    DirState
	StateErr error

	// Orphans are staging directories for this directory found beside it.
	Orphans []string
}

// Status inspects the directory at path without changing anything, except
// that the lock is probed when its file exists.
func Status(path string, opts Options) (StatusReport, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return StatusReport{}, err
	}

	parent, name, err := splitTarget(path)
	if err != nil {
		return StatusReport{}, err
	}

	rep := StatusReport{Path: filepath.Join(parent, name)}
	adjacent := func(ext string) string { return filepath.Join(parent, name+ext) }

	rep.Exists, err = opts.FS.Exists(rep.Path)
	if err != nil {
		return rep, err
	}

	rep.LockFile, err = opts.FS.Exists(adjacent(lockExt))
	if err != nil {
		return rep, err
	}

	if rep.LockFile {
		dl, err := TryAcquireDirLock(rep.Path, Shared, opts)
		switch {
		case errors.Is(err, ErrWouldBlock):
			rep.Busy = true
		case err != nil:
			return rep, err
		default:
			_ = dl.Close()
		}
	}

	rep.Journal, rep.JournalErr = readJournal(opts.FS, adjacent(commitExt))
	rep.State, rep.StateErr = readState(opts.FS, adjacent(stateExt))

	entries, err := opts.FS.ReadDir(parent)
	if err != nil {
		return rep, err
	}

	for _, e := range entries {
		if target, ok := tempDirTarget(e.Name()); ok && target == name {
			rep.Orphans = append(rep.Orphans, filepath.Join(parent, e.Name()))
		}
	}

	return rep, nil
}
