package crosslock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// fileID identifies a lock file by inode so that different paths to the same
// file share one queue.
type fileID struct {
	dev uint64
	ino uint64
}

type entryState uint8

const (
	// entryPendingAcquire: the head group is reserved and its leader is inside
	// flock (or converting the lock). Nobody is granted yet.
	entryPendingAcquire entryState = iota
	// entryHeld: the head group holds the OS lock.
	entryHeld
)

// grant is what a queued request is woken with.
type grant struct {
	// leader means the request must take the OS lock itself on behalf of its
	// group.
	leader bool
	err    error
}

// entry is the in-process state of one lock file. The head group of queue is
// the active group; holders counts its granted members.
type entry struct {
	id      fileID
	file    fs.File
	state   entryState
	osMode  Mode
	holders int
	queue   WaitQueue[grant]
}

func (e *entry) grantableLocked(mode Mode) bool {
	if mode != Shared || e.state != entryHeld || e.osMode != Shared {
		return false
	}

	front := e.queue.Front()

	return e.queue.Len() == 1 && front != nil && front.Mode() == Shared
}

// lockSet is the per-Locker table of lock entries.
type lockSet struct {
	mu      sync.Mutex
	entries map[fileID]*entry

	fs    fs.FS
	flock func(fd int, how int) error
}

func newLockSet(fsys fs.FS, flock func(fd int, how int) error) *lockSet {
	return &lockSet{
		entries: make(map[fileID]*entry),
		fs:      fsys,
		flock:   flock,
	}
}

// acquire grants mode on the entry for id, creating it if needed. It takes
// ownership of file: the file either becomes the entry's descriptor or is
// closed.
func (ls *lockSet) acquire(path string, file fs.File, id fileID, mode Mode, nonBlocking bool) (*entry, error) {
	ls.mu.Lock()

	e, ok := ls.entries[id]
	if !ok {
		e = &entry{id: id, file: file, state: entryPendingAcquire}
		e.queue.PushEmpty(mode)
		ls.entries[id] = e
		ls.mu.Unlock()

		err := ls.lead(e, path, mode, nonBlocking)
		if err != nil {
			return nil, err
		}

		return e, nil
	}

	if e.grantableLocked(mode) {
		e.holders++
		ls.mu.Unlock()

		_ = file.Close()

		return e, nil
	}

	if nonBlocking {
		ls.mu.Unlock()

		_ = file.Close()

		return nil, ErrWouldBlock
	}

	waiter := e.queue.Push(mode)
	ls.mu.Unlock()

	_ = file.Close()

	err := ls.await(e, path, mode, waiter)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (ls *lockSet) await(e *entry, path string, mode Mode, waiter *Waiter[grant]) error {
	g := waiter.Wait()
	if g.err != nil {
		return g.err
	}

	if g.leader {
		return ls.lead(e, path, mode, false)
	}

	return nil
}

// lead takes the OS lock for the head group of e. On success every member of
// the group is woken. On failure leadership passes to the next waiter.
func (ls *lockSet) lead(e *entry, path string, mode Mode, nonBlocking bool) error {
	fd := int(e.file.Fd())

	how := flockHow(mode)
	if nonBlocking {
		how |= unix.LOCK_NB
	}

	err := flockRetryEINTR(ls.flock, fd, how)
	if err == nil {
		match, verifyErr := inodeMatchesPath(ls.fs, path, e.file)

		switch {
		case verifyErr != nil && !errors.Is(verifyErr, os.ErrNotExist):
			_ = flockRetryEINTR(ls.flock, fd, unix.LOCK_UN)
			err = fmt.Errorf("verifying inode match: %w", verifyErr)
		case verifyErr != nil || !match:
			_ = flockRetryEINTR(ls.flock, fd, unix.LOCK_UN)

			ls.mu.Lock()
			ls.killLocked(e)
			ls.mu.Unlock()

			return errInodeMismatch
		}
	} else if isWouldBlock(err) {
		err = ErrWouldBlock
	} else {
		err = fmt.Errorf("flock: %w", err)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err != nil {
		return errors.Join(err, ls.abandonLocked(e))
	}

	e.state = entryHeld
	e.osMode = mode

	wakers := e.queue.Front().DrainWakers()
	e.holders = 1 + len(wakers)

	for _, wk := range wakers {
		wk.Wake(grant{})
	}

	return nil
}

// abandonLocked hands leadership of the head group to its next member, or
// moves on to the next group if the head group has nobody left.
func (ls *lockSet) abandonLocked(e *entry) error {
	if wk, ok := e.queue.Front().TakeWaker(); ok {
		e.state = entryPendingAcquire
		wk.Wake(grant{leader: true})

		return nil
	}

	e.queue.PopFront()

	return ls.electLocked(e)
}

// electLocked wakes the first member of the head group as its leader, or
// drops the entry when the queue is empty.
func (ls *lockSet) electLocked(e *entry) error {
	for {
		front := e.queue.Front()
		if front == nil {
			if ls.entries[e.id] == e {
				delete(ls.entries, e.id)
			}

			err := e.file.Close()
			if err != nil {
				return fmt.Errorf("closing lock fd: %w", err)
			}

			return nil
		}

		wk, ok := front.TakeWaker()
		if !ok {
			e.queue.PopFront()

			continue
		}

		e.state = entryPendingAcquire
		wk.Wake(grant{leader: true})

		return nil
	}
}

// killLocked drops an entry whose descriptor no longer refers to the file at
// its path. Every waiter retries from a fresh open.
func (ls *lockSet) killLocked(e *entry) {
	if ls.entries[e.id] == e {
		delete(ls.entries, e.id)
	}

	for !e.queue.IsEmpty() {
		for _, wk := range e.queue.Front().DrainWakers() {
			wk.Wake(grant{err: errInodeMismatch})
		}

		e.queue.PopFront()
	}

	_ = e.file.Close()
}

// release gives up one hold of the active group.
func (ls *lockSet) release(e *entry) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	return ls.releaseLocked(e)
}

func (ls *lockSet) releaseLocked(e *entry) error {
	e.holders--
	if e.holders > 0 {
		return nil
	}

	e.queue.PopFront()

	var unlockErr error

	err := flockRetryEINTR(ls.flock, int(e.file.Fd()), unix.LOCK_UN)
	if err != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", err)
	}

	return errors.Join(unlockErr, ls.electLocked(e))
}

// upgrade converts a shared hold into an exclusive one. A sole holder converts
// in place. Otherwise the shared hold is given up and an exclusive request is
// queued behind everything already waiting. On error the hold is gone.
func (ls *lockSet) upgrade(e *entry, path string) error {
	ls.mu.Lock()

	if e.holders > 1 {
		e.holders--
		waiter := e.queue.Push(Exclusive)
		ls.mu.Unlock()

		return ls.await(e, path, Exclusive, waiter)
	}

	front := e.queue.Front()
	front.mode = Exclusive
	e.state = entryPendingAcquire
	ls.mu.Unlock()

	err := flockRetryEINTR(ls.flock, int(e.file.Fd()), unix.LOCK_EX)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err != nil {
		e.state = entryHeld

		return errors.Join(fmt.Errorf("flock: %w", err), ls.releaseLocked(e))
	}

	e.state = entryHeld
	e.osMode = Exclusive

	return nil
}

// downgrade converts the exclusive hold into a shared one and lets in any
// Shared requests queued directly behind it.
func (ls *lockSet) downgrade(e *entry) error {
	ls.mu.Lock()
	front := e.queue.Front()
	e.state = entryPendingAcquire
	ls.mu.Unlock()

	err := flockRetryEINTR(ls.flock, int(e.file.Fd()), unix.LOCK_SH)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	e.state = entryHeld

	if err != nil {
		return errors.Join(fmt.Errorf("flock: %w", err), ls.releaseLocked(e))
	}

	e.osMode = Shared
	front.mode = Shared

	merged := e.queue.mergeSharedBehindFront()
	e.holders += len(merged)

	for _, wk := range merged {
		wk.Wake(grant{})
	}

	return nil
}

// Info describes the in-process state of one lock file.
type Info struct {
	// Mode is the mode of the active group.
	Mode Mode
	// Holders is the number of granted holders in the active group.
	Holders int
	// Pending reports whether the active group is still acquiring.
	Pending bool
	// Groups lists every group including the active one, head first.
	Groups []GroupInfo
}

func (ls *lockSet) inspect(id fileID) (Info, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.entries[id]
	if !ok {
		return Info{}, false
	}

	info := Info{
		Holders: e.holders,
		Pending: e.state == entryPendingAcquire,
		Groups:  e.queue.Groups(),
	}

	if front := e.queue.Front(); front != nil {
		info.Mode = front.Mode()
	}

	return info, true
}

func flockHow(mode Mode) int {
	if mode == Exclusive {
		return unix.LOCK_EX
	}

	return unix.LOCK_SH
}
