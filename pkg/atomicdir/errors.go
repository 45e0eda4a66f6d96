package atomicdir

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
)

var (
	// ErrNoFileName is returned when a managed directory path has no final
	// name component ("", "/", "." or a path ending in ".."). The lock,
	// journal and state file names are derived from that component.
	//
	// It matches [os.ErrNotExist].
	ErrNoFileName = fmt.Errorf("path has no file name: %w", os.ErrNotExist)

	// ErrInvalidPath is returned for paths that are not a single normal
	// component (temp dir names) or not a clean relative path (entries).
	ErrInvalidPath = errors.New("invalid path")

	// ErrWouldBlock is returned by the Try* functions under contention.
	ErrWouldBlock = crosslock.ErrWouldBlock

	// ErrReleased is returned when operating on a lock, directory or builder
	// that has already been released or consumed.
	ErrReleased = crosslock.ErrReleased

	// ErrInvalidTimeout is returned for a negative [Options.LockTimeout].
	ErrInvalidTimeout = crosslock.ErrInvalidTimeout

	// ErrInvalidData is returned for malformed journal or state files.
	ErrInvalidData = errors.New("invalid data")

	// ErrUnsupportedVersion is returned for journal or state files written by
	// a newer schema. It matches [ErrInvalidData].
	ErrUnsupportedVersion = fmt.Errorf("unsupported schema version: %w", ErrInvalidData)

	// ErrPoisoned is returned when the state file records an operation that
	// did not complete. Only [Repair] clears it.
	ErrPoisoned = errors.New("directory is poisoned")

	// ErrStateChanged is returned by [Builder.Commit] when another writer
	// committed after the builder was started.
	ErrStateChanged = errors.New("directory changed since update began")
)

// PersistError is returned by [TempDir.PersistTo]. The staging directory was
// not moved and is still owned by Dir, which the caller must Close (or retry).
type PersistError struct {
	Dir  *TempDir
	Dest string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("unable to persist temporary directory to %q: %v", e.Dest, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// EntryFailure records one journal entry that could not be applied.
type EntryFailure struct {
	Entry CommitEntry
	Err   error
}

// ApplyError aggregates every entry that failed while applying a journal.
// Entries that did apply stay applied; the journal is kept so the whole list
// can be replayed later.
type ApplyError struct {
	Failures []EntryFailure
	Total    int
}

func (e *ApplyError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d out of %d journal entries failed to apply", len(e.Failures), e.Total)

	for _, f := range e.Failures {
		switch f.Entry.Type() {
		case EntryDelete:
			fmt.Fprintf(&b, "\nfailed to delete %s: %v", f.Entry.Path(), f.Err)
		default:
			fmt.Fprintf(&b, "\nfailed to move staged file to %s: %v", f.Entry.Path(), f.Err)
		}
	}

	return b.String()
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *ApplyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}
