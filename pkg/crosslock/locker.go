package crosslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// Locker hands out fair shared/exclusive locks on lock files.
//
// flock is advisory and applies to an inode (an open file), not a pathname. All
// cooperating processes must take the lock for it to have effect, and the lock
// file must not be replaced or unlinked while locks may be held.
//
// Locker verifies that the file descriptor it locked still refers to the file
// currently at path at the moment the lock is acquired (protecting the
// open→lock window). If the lock file is replaced after acquisition, the lock
// no longer guards the pathname.
//
// Inside one Locker, all requests for the same inode share one descriptor and
// one FIFO of wait groups. Two Lockers in the same process do not see each
// other's queues; they still exclude each other through flock, but without the
// fairness guarantees. Use [Default] unless you need an isolated table.
//
// This implementation is Unix-only. Custom [fs.FS]/[fs.File] implementations
// must provide a real OS file descriptor via Fd (usable with flock), and Stat
// must return [os.FileInfo] whose Sys() is a *syscall.Stat_t.
type Locker struct {
	fs  fs.FS
	set *lockSet
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fsys fs.FS) *Locker {
	return newLockerWithFlock(fsys, unix.Flock)
}

func newLockerWithFlock(fsys fs.FS, flock func(fd int, how int) error) *Locker {
	return &Locker{
		fs:  fsys,
		set: newLockSet(fsys, flock),
	}
}

var defaultLocker = sync.OnceValue(func() *Locker {
	return NewLocker(fs.NewReal())
})

// Default returns the process-wide Locker backed by the real filesystem.
func Default() *Locker {
	return defaultLocker()
}

// Lock is a held lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	set  *lockSet
	e    *entry
	path string
	mode Mode
}

// Path returns the lock file path the lock was acquired on.
func (lk *Lock) Path() string {
	return lk.path
}

// Mode returns the current mode of the lock.
func (lk *Lock) Mode() Mode {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	return lk.mode
}

// Upgrade converts a shared lock into an exclusive lock, blocking until it is
// granted. It is a no-op on an exclusive lock.
//
// If the caller is the only in-process holder the conversion happens in
// place. Otherwise the shared hold is given up first and the exclusive request
// waits behind every group already queued, so other goroutines may acquire and
// modify the resource in between. Callers must re-validate anything they read
// under the shared lock.
//
// If Upgrade fails the lock has been released.
func (lk *Lock) Upgrade() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.e == nil {
		return ErrReleased
	}

	if lk.mode == Exclusive {
		return nil
	}

	err := lk.set.upgrade(lk.e, lk.path)
	if err != nil {
		lk.e = nil

		return fmt.Errorf("upgrading lock %q: %w", lk.path, err)
	}

	lk.mode = Exclusive

	return nil
}

// Downgrade converts an exclusive lock into a shared lock. Shared requests
// queued directly behind it are granted at the same time. It is a no-op on a
// shared lock.
//
// If Downgrade fails the lock has been released.
func (lk *Lock) Downgrade() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.e == nil {
		return ErrReleased
	}

	if lk.mode == Shared {
		return nil
	}

	err := lk.set.downgrade(lk.e)
	if err != nil {
		lk.e = nil

		return fmt.Errorf("downgrading lock %q: %w", lk.path, err)
	}

	lk.mode = Shared

	return nil
}

// Close releases the lock. When the last in-process holder releases, the OS
// lock is dropped and the next queued group is let in.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.e == nil {
		return nil
	}

	err := lk.set.release(lk.e)
	lk.e = nil

	return err
}

// Acquire acquires a lock on the file at path in the given mode, blocking
// until it is granted.
//
// If the file or its parent directories do not exist, they are created lazily.
//
// This method can block indefinitely if another process holds the lock and
// never releases it. Use [Locker.AcquireTimeout] or [Locker.TryAcquire] to
// avoid unbounded blocking.
func (l *Locker) Acquire(path string, mode Mode) (*Lock, error) {
	for {
		lk, err := l.acquireOnce(path, mode, false)
		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return lk, err
	}
}

// TryAcquire attempts to acquire a lock without blocking.
//
// Returns [ErrWouldBlock] if another process holds a conflicting lock, or if
// the request would have to queue behind other goroutines of this process.
func (l *Locker) TryAcquire(path string, mode Mode) (*Lock, error) {
	lk, err := l.acquireOnce(path, mode, true)
	if errors.Is(err, errInodeMismatch) {
		return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
	}

	return lk, err
}

// AcquireTimeout attempts to acquire a lock, retrying with exponential
// backoff (1ms to 25ms) until the timeout expires.
//
// The timeout is best-effort: because this method polls and sleeps, it may
// overshoot slightly under scheduler delay. Polling requests do not hold a
// place in the queue.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) AcquireTimeout(path string, mode Mode, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		lk, err := l.TryAcquire(path, mode)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}

// Inspect reports the in-process state of the lock file at path. It returns
// false if no goroutine holds or waits for it.
func (l *Locker) Inspect(path string) (Info, bool) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return Info{}, false
	}

	id, err := identityOf(info)
	if err != nil {
		return Info{}, false
	}

	return l.set.inspect(id)
}

func (l *Locker) acquireOnce(path string, mode Mode, nonBlocking bool) (*Lock, error) {
	file, err := l.openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat lockfile: %w", err)
	}

	id, err := identityOf(info)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	e, err := l.set.acquire(path, file, id, mode, nonBlocking)
	if err != nil {
		return nil, err
	}

	return &Lock{set: l.set, e: e, path: path, mode: mode}, nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// openLockFile opens path read-only; flock does not depend on the access
// mode, so one descriptor serves both shared and exclusive holds.
func (l *Locker) openLockFile(path string) (fs.File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDONLY|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDONLY|os.O_CREATE, lockFilePerm)
}

func identityOf(info os.FileInfo) (fileID, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return fileID{}, fmt.Errorf("stat Sys=%T, want *syscall.Stat_t", info.Sys())
	}

	return fileID{dev: uint64(st.Dev), ino: st.Ino}, nil
}

// inodeMatchesPath verifies that f (the open file descriptor we just locked)
// still refers to the file currently at path.
//
// flock locks by inode, not pathname. A pathname can be replaced while a
// caller is blocked in flock: rename, delete+recreate, editors writing via
// temp+rename. Without this check two callers could each believe they locked
// the path while holding locks on different inodes.
func inodeMatchesPath(fsys fs.FS, path string, f fs.File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openID, err := identityOf(openInfo)
	if err != nil {
		return false, err
	}

	pathInfo, err := fsys.Stat(path)
	if err != nil {
		return false, err
	}

	pathID, err := identityOf(pathInfo)
	if err != nil {
		return false, err
	}

	return openID == pathID, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means a signal interrupted the syscall before it completed; it just
// needs to be retried. Retries are capped so a signal storm cannot spin
// forever.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
