package atomicdir

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// SweepResult lists what [Sweep] did with each staging directory it found.
type SweepResult struct {
	Removed []string
	Skipped []SweepSkip
}

// SweepSkip is a staging directory that was left in place.
type SweepSkip struct {
	Path   string
	Reason string
}

// Sweep removes orphaned staging directories (".<name>.<random>.tmpdir")
// directly under parent.
//
// A staging directory is removed only if it is older than minAge, the lock of
// its managed directory can be taken exclusively without waiting, and no
// journal names it (such a directory holds content recovery still needs).
func Sweep(parent string, minAge time.Duration, opts Options) (SweepResult, error) {
	var res SweepResult

	opts, err := opts.withDefaults()
	if err != nil {
		return res, err
	}

	entries, err := opts.FS.ReadDir(parent)
	if err != nil {
		return res, fmt.Errorf("sweeping %q: %w", parent, err)
	}

	now := time.Now()

	for _, e := range entries {
		target, ok := tempDirTarget(e.Name())
		if !ok || !e.IsDir() {
			continue
		}

		p := filepath.Join(parent, e.Name())

		reason := sweepOne(opts, parent, target, e.Name(), now, minAge)
		if reason != "" {
			res.Skipped = append(res.Skipped, SweepSkip{Path: p, Reason: reason})

			continue
		}

		opts.Logger.Info("removed orphaned temp dir", slog.String("path", p))
		res.Removed = append(res.Removed, p)
	}

	return res, nil
}

// sweepOne removes one staging directory and returns "" on success, or the
// reason it was kept.
func sweepOne(opts Options, parent, target, name string, now time.Time, minAge time.Duration) string {
	p := filepath.Join(parent, name)

	info, err := opts.FS.Stat(p)
	if err != nil {
		return err.Error()
	}

	if now.Sub(info.ModTime()) < minAge {
		return "younger than minimum age"
	}

	dl, err := TryAcquireDirLock(filepath.Join(parent, target), Exclusive, opts)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return "directory is locked"
		}

		return err.Error()
	}

	defer func() { _ = dl.Close() }()

	journal, err := readJournal(opts.FS, dl.AdjacentPath(commitExt))
	if err != nil {
		return "unreadable journal: " + err.Error()
	}

	if journal != nil && journal.TempDir() == name {
		return "referenced by pending journal"
	}

	err = opts.FS.RemoveAll(p)
	if err != nil {
		return err.Error()
	}

	return ""
}
