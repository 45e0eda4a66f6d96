package crosslock

import "errors"

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [Locker.TryAcquire] when the lock is held by another
	// process or goroutine, and by [Locker.AcquireTimeout] when the timeout
	// expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// ErrReleased is returned by [Lock] methods after [Lock.Close].
	ErrReleased = errors.New("lock already released")

	// ErrWakerDiscarded is the panic value raised when an armed [Waker] is
	// discarded without being woken.
	ErrWakerDiscarded = errors.New("crosslock: waker discarded without waking its waiter")

	// errInodeMismatch indicates the lock file was replaced between open and
	// flock. Callers retry with a fresh open.
	errInodeMismatch = errors.New("inode mismatch")
)
