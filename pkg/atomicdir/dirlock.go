package atomicdir

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
)

// Mode is the lock mode of a [DirLock].
type Mode = crosslock.Mode

// Lock modes, re-exported from crosslock.
const (
	Shared    = crosslock.Shared
	Exclusive = crosslock.Exclusive
)

// DirLock is an advisory lock over one managed directory, held on the
// sentinel file "<name>.lock" beside it.
//
// Shared holders may read the directory and its sidecar files. Only an
// exclusive holder may write them. The lock is not reentrant.
type DirLock struct {
	mu     sync.Mutex
	path   string
	parent string
	name   string
	lock   *crosslock.Lock
}

// AcquireDirLock locks the directory at path in the given mode, blocking
// until granted (or until [Options.LockTimeout] expires). The directory itself
// does not need to exist.
func AcquireDirLock(path string, mode Mode, opts Options) (*DirLock, error) {
	return acquireDirLock(path, mode, opts, false)
}

// TryAcquireDirLock is like [AcquireDirLock] but returns [ErrWouldBlock]
// instead of waiting.
func TryAcquireDirLock(path string, mode Mode, opts Options) (*DirLock, error) {
	return acquireDirLock(path, mode, opts, true)
}

func acquireDirLock(path string, mode Mode, opts Options, try bool) (*DirLock, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	parent, name, err := splitTarget(path)
	if err != nil {
		return nil, err
	}

	dl := &DirLock{
		path:   filepath.Join(parent, name),
		parent: parent,
		name:   name,
	}

	lockPath := dl.AdjacentPath(lockExt)

	var lk *crosslock.Lock

	switch {
	case try:
		lk, err = opts.Locker.TryAcquire(lockPath, mode)
	case opts.LockTimeout > 0:
		lk, err = opts.Locker.AcquireTimeout(lockPath, mode, opts.LockTimeout)
	default:
		lk, err = opts.Locker.Acquire(lockPath, mode)
	}

	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", dl.path, err)
	}

	dl.lock = lk

	return dl, nil
}

// Path returns the cleaned path of the locked directory.
func (dl *DirLock) Path() string { return dl.path }

// Name returns the final path component of the locked directory.
func (dl *DirLock) Name() string { return dl.name }

// Parent returns the directory containing the locked directory and its
// sidecar files.
func (dl *DirLock) Parent() string { return dl.parent }

// AdjacentPath returns "<parent>/<name><ext>", the path of a sidecar file.
func (dl *DirLock) AdjacentPath(ext string) string {
	return filepath.Join(dl.parent, dl.name+ext)
}

// Mode returns the current lock mode. A released lock reports Shared.
func (dl *DirLock) Mode() Mode {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.lock == nil {
		return Shared
	}

	return dl.lock.Mode()
}

// Held reports whether the lock has not been released.
func (dl *DirLock) Held() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	return dl.lock != nil
}

// Upgrade converts a shared lock into an exclusive one.
//
// The conversion is not atomic when other holders exist: the shared hold is
// given up and the exclusive request queues, so another writer may commit in
// between. Re-read anything that was read under the shared lock. On error the
// lock has been released.
func (dl *DirLock) Upgrade() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.lock == nil {
		return ErrReleased
	}

	err := dl.lock.Upgrade()
	if err != nil {
		dl.lock = nil

		return err
	}

	return nil
}

// Downgrade converts an exclusive lock into a shared one. On error the lock
// has been released.
func (dl *DirLock) Downgrade() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.lock == nil {
		return ErrReleased
	}

	err := dl.lock.Downgrade()
	if err != nil {
		dl.lock = nil

		return err
	}

	return nil
}

// Close releases the lock. It is idempotent.
func (dl *DirLock) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.lock == nil {
		return nil
	}

	err := dl.lock.Close()
	dl.lock = nil

	return err
}
