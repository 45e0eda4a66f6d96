// Package crosslock provides a fair shared/exclusive lock on files that works
// both across goroutines of one process and across processes.
//
// Across processes the lock is flock(2). Inside a process, requests for the
// same file (identified by device and inode, not by path) are arbitrated by a
// FIFO queue of wait groups: consecutive shared requests are granted together,
// every exclusive request is granted alone, and no request overtakes an
// earlier group. Only the first goroutine of a group talks to the kernel; the
// rest of the group is woken once that call succeeds.
//
// A typical caller uses the process-wide [Default] locker:
//
//	lk, err := crosslock.Default().Acquire("/srv/data.lock", crosslock.Shared)
//	if err != nil {
//	    return err
//	}
//	defer lk.Close()
//
// The building blocks [Waiter], [Waker] and [WaitQueue] are exported for
// callers that need the same handoff discipline for other resources.
package crosslock
