package atomicdir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// Builder stages changes to a managed directory in a [TempDir] and applies
// them all at once with [Builder.Commit].
//
// Nothing a Builder does is visible in the managed directory before Commit.
// A Builder that is neither committed nor aborted must be closed.
type Builder struct {
	mu      sync.Mutex
	opts    Options
	lock    *DirLock
	base    DirState
	create  bool
	temp    *TempDir
	entries []CommitEntry
	index   map[string]int
	done    bool
}

// Create starts building a new managed directory at target. The directory
// must not exist yet. The returned Builder holds the lock exclusively; Commit
// moves the whole staging directory into place and writes its first state.
func Create(target string, opts Options) (*Builder, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	dl, err := AcquireDirLock(target, Exclusive, opts)
	if err != nil {
		return nil, err
	}

	exists, err := opts.FS.Exists(dl.Path())
	if err != nil {
		_ = dl.Close()

		return nil, fmt.Errorf("creating %q: %w", dl.Path(), err)
	}

	if exists {
		_ = dl.Close()

		return nil, fmt.Errorf("creating %q: %w", dl.Path(), os.ErrExist)
	}

	temp, err := NewTempDir(opts.FS, dl.Parent(), dl.Name(), opts.Logger)
	if err != nil {
		_ = dl.Close()

		return nil, err
	}

	return &Builder{
		opts:   opts,
		lock:   dl,
		create: true,
		temp:   temp,
		index:  make(map[string]int),
	}, nil
}

// Path returns the path of the managed directory being built.
func (b *Builder) Path() string { return b.lock.Path() }

// TempPath returns the path of the staging directory.
func (b *Builder) TempPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return ""
	}

	return b.temp.Path()
}

// Entries returns the journal entries the builder would commit, in order.
func (b *Builder) Entries() []CommitEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]CommitEntry(nil), b.entries...)
}

// WriteFile stages data as the new content of rel.
func (b *Builder) WriteFile(rel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged, clean, err := b.prepareOverwrite(rel)
	if err != nil {
		return err
	}

	err = b.opts.FS.WriteFile(staged, data, filePerm)
	if err != nil {
		return fmt.Errorf("staging %q: %w", clean, err)
	}

	b.recordOverwrite(clean)

	return nil
}

// Create stages a new empty file at rel and returns it open for writing. The
// caller must close it before Commit.
func (b *Builder) Create(rel string) (fs.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	staged, clean, err := b.prepareOverwrite(rel)
	if err != nil {
		return nil, err
	}

	f, err := b.opts.FS.Create(staged)
	if err != nil {
		return nil, fmt.Errorf("staging %q: %w", clean, err)
	}

	b.recordOverwrite(clean)

	return f, nil
}

// CopyFile stages the committed content of src as the new content of dst.
// The copy is a hard link, so it costs no data. Content staged for src in
// this builder is not seen.
func (b *Builder) CopyFile(src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.create {
		return fmt.Errorf("copying %q: new directory has no committed content: %w", src, os.ErrNotExist)
	}

	cleanSrc, err := cleanRelPath(src)
	if err != nil {
		return err
	}

	staged, cleanDst, err := b.prepareOverwrite(dst)
	if err != nil {
		return err
	}

	err = b.opts.FS.Link(joinRel(b.lock.Path(), cleanSrc), staged)
	if err != nil {
		return fmt.Errorf("copying %q to %q: %w", cleanSrc, cleanDst, err)
	}

	b.recordOverwrite(cleanDst)

	return nil
}

// RemoveFile stages the removal of rel (recursively, if it is a directory).
// Anything staged at or below rel is dropped.
func (b *Builder) RemoveFile(rel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return ErrReleased
	}

	clean, err := cleanRelPath(rel)
	if err != nil {
		return err
	}

	err = b.opts.FS.RemoveAll(joinRel(b.temp.Path(), clean))
	if err != nil {
		return fmt.Errorf("unstaging %q: %w", clean, err)
	}

	b.dropUnder(clean)

	if _, replaced := b.replacedAncestor(clean); !b.create && !replaced {
		b.record(DeleteEntry(clean))
	}

	return nil
}

// prepareOverwrite validates rel and creates the parent directories of its
// staged path.
func (b *Builder) prepareOverwrite(rel string) (string, string, error) {
	if b.done {
		return "", "", ErrReleased
	}

	clean, err := cleanRelPath(rel)
	if err != nil {
		return "", "", err
	}

	if !b.create {
		replaced, err := b.replaceDeletedAncestor(clean)
		if err != nil {
			return "", "", err
		}

		info, err := b.opts.FS.Lstat(joinRel(b.lock.Path(), clean))
		if !replaced && err == nil && info.IsDir() {
			return "", "", fmt.Errorf("%w: %q is a directory", ErrInvalidPath, clean)
		}
	}

	staged := joinRel(b.temp.Path(), clean)

	err = b.opts.FS.MkdirAll(filepath.Dir(staged), dirPerm)
	if err != nil {
		return "", "", fmt.Errorf("staging %q: %w", clean, err)
	}

	return staged, clean, nil
}

// replaceDeletedAncestor handles a write below a path staged for deletion:
// the Delete becomes an Overwrite of an empty staged directory, which then
// collects the writes below it and replaces the committed subtree in one
// move. A journal never holds a Delete followed by a write below it, since
// replaying that Delete would remove what the write moved in. It reports
// whether rel is below such a staged directory.
func (b *Builder) replaceDeletedAncestor(rel string) (bool, error) {
	p, replaced := b.replacedAncestor(rel)
	if replaced {
		return true, nil
	}

	if p == "" {
		return false, nil
	}

	err := b.opts.FS.MkdirAll(joinRel(b.temp.Path(), p), dirPerm)
	if err != nil {
		return false, fmt.Errorf("staging %q: %w", p, err)
	}

	// Deletes below p are covered by the replacement.
	b.dropUnder(p)
	b.record(OverwriteEntry(p))

	return true, nil
}

// replacedAncestor reports whether a parent of rel is staged as a directory
// Overwrite. If not, it returns the outermost parent staged for deletion, or
// "" if there is none.
func (b *Builder) replacedAncestor(rel string) (string, bool) {
	deleted := ""

	for p := path.Dir(rel); p != "."; p = path.Dir(p) {
		i, ok := b.index[p]
		if !ok {
			continue
		}

		if b.entries[i].Type() == EntryOverwrite {
			return "", true
		}

		deleted = p
	}

	return deleted, false
}

// recordOverwrite records an Overwrite of rel unless a staged directory
// above it already carries it.
func (b *Builder) recordOverwrite(rel string) {
	if _, replaced := b.replacedAncestor(rel); replaced {
		return
	}

	b.record(OverwriteEntry(rel))
}

// record appends e, replacing an earlier entry for the same path so the
// latest operation on a path is the one applied, in its latest position.
func (b *Builder) record(e CommitEntry) {
	if i, ok := b.index[e.Path()]; ok {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.reindex()
	}

	b.index[e.Path()] = len(b.entries)
	b.entries = append(b.entries, e)
}

// dropUnder removes every entry for rel or a path below it.
func (b *Builder) dropUnder(rel string) {
	kept := b.entries[:0]

	for _, e := range b.entries {
		if e.Path() == rel || strings.HasPrefix(e.Path(), rel+"/") {
			continue
		}

		kept = append(kept, e)
	}

	b.entries = kept
	b.reindex()
}

func (b *Builder) reindex() {
	clear(b.index)

	for i, e := range b.entries {
		b.index[e.Path()] = i
	}
}

// syncStaged makes every staged file and directory durable, so a replayed
// journal never moves a file whose data is still in the page cache.
func (b *Builder) syncStaged() error {
	root := b.temp.Path()
	dirs := map[string]struct{}{root: {}}

	for _, e := range b.entries {
		if e.Type() != EntryOverwrite {
			continue
		}

		err := syncTree(b.opts.FS, joinRel(root, e.Path()))
		if err != nil {
			return fmt.Errorf("syncing staged %q: %w", e.Path(), err)
		}

		for dir := path.Dir(e.Path()); dir != "."; dir = path.Dir(dir) {
			dirs[joinRel(root, dir)] = struct{}{}
		}
	}

	return syncDirs(b.opts.FS, dirs)
}

// syncTree fsyncs p and, for a directory, everything below it.
func syncTree(fsys fs.FS, p string) error {
	info, err := fsys.Lstat(p)
	if err != nil {
		return err
	}

	switch {
	case info.IsDir():
		children, err := fsys.ReadDir(p)
		if err != nil {
			return err
		}

		for _, c := range children {
			err = syncTree(fsys, filepath.Join(p, c.Name()))
			if err != nil {
				return err
			}
		}
	case !info.Mode().IsRegular():
		return nil
	}

	return syncFile(fsys, p)
}

func syncFile(fsys fs.FS, p string) error {
	f, err := fsys.Open(p)
	if err != nil {
		return err
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	return errors.Join(syncErr, closeErr)
}

// Commit applies every staged change atomically and returns the directory
// opened shared again.
//
// For an update the sequence is: take the lock exclusively, check that no
// other commit happened since [Dir.BeginUpdate] ([ErrStateChanged]), write
// the journal, apply the entries, delete the journal, persist the next state
// and remove the staging directory. If applying fails, the journal and
// staging directory are left for recovery by the next [Open].
//
// The Builder is consumed whatever the outcome. On error the lock is
// released.
func (b *Builder) Commit() (*Dir, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil, ErrReleased
	}

	b.done = true

	if b.create {
		return b.commitCreate()
	}

	return b.commitUpdate()
}

func (b *Builder) fail(err error) (*Dir, error) {
	b.temp.Close()
	_ = b.lock.Close()

	return nil, err
}

func (b *Builder) commitCreate() (*Dir, error) {
	err := b.syncStaged()
	if err != nil {
		return b.fail(err)
	}

	err = b.temp.PersistTo(b.lock.Path())
	if err != nil {
		return b.fail(fmt.Errorf("creating %q: %w", b.lock.Path(), err))
	}

	err = fs.SyncDir(b.opts.FS, b.lock.Parent())
	if err != nil {
		_ = b.lock.Close()

		return nil, fmt.Errorf("creating %q: %w", b.lock.Path(), err)
	}

	st := NewDirState()

	err = writeState(b.opts.FS, b.lock.AdjacentPath(stateExt), st)
	if err != nil {
		_ = b.lock.Close()

		return nil, fmt.Errorf("creating %q: %w", b.lock.Path(), err)
	}

	err = b.lock.Downgrade()
	if err != nil {
		return nil, err
	}

	b.opts.Logger.Info("directory created", slog.String("dir", b.lock.Path()))

	return &Dir{lock: b.lock, state: st, opts: b.opts}, nil
}

func (b *Builder) commitUpdate() (*Dir, error) {
	if len(b.entries) == 0 {
		b.temp.Close()

		return &Dir{lock: b.lock, state: b.base, opts: b.opts}, nil
	}

	err := b.syncStaged()
	if err != nil {
		return b.fail(err)
	}

	err = b.lock.Upgrade()
	if err != nil {
		return b.fail(err)
	}

	cur, err := readState(b.opts.FS, b.lock.AdjacentPath(stateExt))
	if err != nil {
		return b.fail(err)
	}

	if !cur.IsSame(b.base) {
		return b.fail(fmt.Errorf("%w: sequence %d, began at %d", ErrStateChanged, cur.Sequence(), b.base.Sequence()))
	}

	journal, err := NewCommitSchema(b.temp.Name(), b.entries)
	if err != nil {
		return b.fail(err)
	}

	err = writeJournal(b.opts.FS, b.lock.AdjacentPath(commitExt), journal)
	if err != nil {
		if !b.journalPublished() {
			return b.fail(err)
		}

		// The link went through before a later step failed. The journal
		// now decides the outcome, so it and the staging directory stay
		// for the next Open.
		b.temp.Defuse()
		_ = b.lock.Close()

		b.opts.Logger.Warn("journal written with errors, kept for recovery",
			slog.String("dir", b.lock.Path()), slog.Any("error", err))

		return nil, fmt.Errorf("committing %q: %w", b.lock.Path(), err)
	}

	defused := b.temp.Defuse()

	err = applyEntries(b.opts.FS, b.lock.Path(), defused.Path(), journal.Entries())
	if err != nil {
		_ = b.lock.Close()

		b.opts.Logger.Warn("commit interrupted, journal kept for recovery",
			slog.String("dir", b.lock.Path()), slog.Any("error", err))

		return nil, fmt.Errorf("committing %q: %w", b.lock.Path(), err)
	}

	err = finishCommit(b.lock, defused.Relight(), cur, b.opts)
	if err != nil {
		_ = b.lock.Close()

		return nil, fmt.Errorf("committing %q: %w", b.lock.Path(), err)
	}

	err = b.lock.Downgrade()
	if err != nil {
		return nil, err
	}

	return &Dir{lock: b.lock, state: cur.Next(), opts: b.opts}, nil
}

// journalPublished reports whether the journal on disk is the one this
// builder tried to write.
func (b *Builder) journalPublished() bool {
	journal, err := readJournal(b.opts.FS, b.lock.AdjacentPath(commitExt))

	return err == nil && journal != nil && journal.TempDir() == b.temp.Name()
}

// Abort discards everything staged. For an update it returns the directory
// opened shared again; for [Create] it releases the lock and returns nil.
func (b *Builder) Abort() (*Dir, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil, ErrReleased
	}

	b.done = true
	b.temp.Close()

	if b.create {
		return nil, b.lock.Close()
	}

	return &Dir{lock: b.lock, state: b.base, opts: b.opts}, nil
}

// Close aborts the builder and releases its lock. It is a no-op after Commit
// or Abort.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil
	}

	b.done = true
	b.temp.Close()

	return b.lock.Close()
}
