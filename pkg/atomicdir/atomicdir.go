// Package atomicdir makes a whole directory the unit of crash-safe update.
//
// A managed directory D (final name "name") is accompanied by sidecar files
// in the same parent directory:
//
//	name.lock        advisory lock, see [DirLock]
//	name.commit      journal of an interrupted commit, see [CommitSchema]
//	name.state.json  sequence number and poison flag, see [DirState]
//	.name.XXXXXXXXXX.tmpdir  staging directory, see [TempDir]
//
// Readers open the directory under a shared lock with [Open]. Writers stage
// new content with a [Builder] and [Builder.Commit] it: the journal is made
// durable first, then every staged file is renamed into place. If the
// process dies in between, the next [Open] replays the journal before anyone
// can read, so readers see either all of a commit or none of it.
package atomicdir

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// Dir is a managed directory opened under a shared lock.
type Dir struct {
	mu    sync.Mutex
	lock  *DirLock
	state DirState
	opts  Options
}

// Open locks the directory at path shared, finishes any interrupted commit
// and loads its state.
//
// It fails if the directory or its state file is missing, if the state is
// poisoned ([ErrPoisoned]) and if the journal or state file is malformed
// ([ErrInvalidData]).
func Open(path string, opts Options) (*Dir, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	dl, err := AcquireDirLock(path, Shared, opts)
	if err != nil {
		return nil, err
	}

	d, err := openLocked(dl, opts)
	if err != nil {
		_ = dl.Close()

		return nil, err
	}

	return d, nil
}

func openLocked(dl *DirLock, opts Options) (*Dir, error) {
	err := requireDir(opts, dl.Path())
	if err != nil {
		return nil, err
	}

	_, err = recoverLocked(dl, opts)
	if err != nil {
		return nil, err
	}

	st, err := readState(opts.FS, dl.AdjacentPath(stateExt))
	if err != nil {
		return nil, err
	}

	return &Dir{lock: dl, state: st, opts: opts}, nil
}

// Init adopts an existing plain directory: it writes a fresh state file if
// none exists and returns the directory opened shared. An existing state file
// is kept as it is.
func Init(path string, opts Options) (*Dir, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	dl, err := AcquireDirLock(path, Exclusive, opts)
	if err != nil {
		return nil, err
	}

	d, err := initLocked(dl, opts)
	if err != nil {
		_ = dl.Close()

		return nil, err
	}

	return d, nil
}

func initLocked(dl *DirLock, opts Options) (*Dir, error) {
	err := requireDir(opts, dl.Path())
	if err != nil {
		return nil, err
	}

	statePath := dl.AdjacentPath(stateExt)

	exists, err := opts.FS.Exists(statePath)
	if err != nil {
		return nil, fmt.Errorf("checking state file: %w", err)
	}

	if !exists {
		err = writeState(opts.FS, statePath, NewDirState())
		if err != nil {
			return nil, err
		}

		opts.Logger.Info("directory initialized", slog.String("dir", dl.Path()))
	}

	_, err = recoverLocked(dl, opts)
	if err != nil {
		return nil, err
	}

	st, err := readState(opts.FS, statePath)
	if err != nil {
		return nil, err
	}

	err = dl.Downgrade()
	if err != nil {
		return nil, err
	}

	return &Dir{lock: dl, state: st, opts: opts}, nil
}

// Path returns the path of the managed directory.
func (d *Dir) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lock.Path()
}

// State returns the state observed when the directory was opened or last
// committed.
func (d *Dir) State() DirState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Dir) resolve(rel string) (string, error) {
	d.mu.Lock()
	dl := d.lock
	d.mu.Unlock()

	if !dl.Held() {
		return "", ErrReleased
	}

	if rel == "" || rel == "." {
		return dl.Path(), nil
	}

	clean, err := cleanRelPath(rel)
	if err != nil {
		return "", err
	}

	return joinRel(dl.Path(), clean), nil
}

// ReadFile reads the file at the slash-separated relative path rel.
func (d *Dir) ReadFile(rel string) ([]byte, error) {
	p, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	return d.opts.FS.ReadFile(p)
}

// Open opens the file at rel for reading. The file stays readable after the
// lock is released, but its content is only guaranteed consistent while the
// Dir is open.
func (d *Dir) Open(rel string) (fs.File, error) {
	p, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	return d.opts.FS.Open(p)
}

// ReadDir lists the directory at rel; "" or "." lists the managed directory.
func (d *Dir) ReadDir(rel string) ([]os.DirEntry, error) {
	p, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	return d.opts.FS.ReadDir(p)
}

// Stat returns file info for rel.
func (d *Dir) Stat(rel string) (os.FileInfo, error) {
	p, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	return d.opts.FS.Stat(p)
}

// BeginUpdate starts staging changes. The Dir hands its lock to the returned
// Builder and is unusable afterwards; [Builder.Commit] and [Builder.Abort]
// return a fresh Dir.
func (d *Dir) BeginUpdate() (*Builder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lock.Held() {
		return nil, ErrReleased
	}

	temp, err := NewTempDir(d.opts.FS, d.lock.Parent(), d.lock.Name(), d.opts.Logger)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		opts:  d.opts,
		lock:  d.lock,
		base:  d.state,
		temp:  temp,
		index: make(map[string]int),
	}

	// The lock now belongs to the builder.
	d.lock = &DirLock{path: d.lock.path, parent: d.lock.parent, name: d.lock.name}

	return b, nil
}

// Close releases the lock. It is idempotent.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lock.Close()
}
