package crosslock

// Mode is the kind of access a lock request asks for.
type Mode uint8

const (
	// Shared access may be held by any number of holders at once.
	Shared Mode = iota
	// Exclusive access is held by a single holder.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// WaitGroup is a batch of requests granted together: any number of Shared
// requests, or exactly one Exclusive request.
type WaitGroup[T any] struct {
	mode   Mode
	wakers []*Waker[T]
}

// Mode returns the access mode of every member of the group.
func (g *WaitGroup[T]) Mode() Mode { return g.mode }

// Len returns the number of wakers still in the group.
func (g *WaitGroup[T]) Len() int { return len(g.wakers) }

// TakeWaker removes and returns the oldest waker in the group.
func (g *WaitGroup[T]) TakeWaker() (*Waker[T], bool) {
	if len(g.wakers) == 0 {
		return nil, false
	}

	wk := g.wakers[0]
	g.wakers[0] = nil
	g.wakers = g.wakers[1:]

	return wk, true
}

// DrainWakers removes and returns every waker in the group, oldest first.
func (g *WaitGroup[T]) DrainWakers() []*Waker[T] {
	wakers := g.wakers
	g.wakers = nil

	return wakers
}

// WaitQueue is a FIFO of [WaitGroup]s.
//
// Consecutive Shared pushes join the same group; every Exclusive push starts a
// new group, and a Shared push after an Exclusive one starts a new group too.
// Pushing S, S, X, S yields the groups [S S] [X] [S].
//
// WaitQueue is not safe for concurrent use; callers guard it with their own
// mutex.
type WaitQueue[T any] struct {
	groups []*WaitGroup[T]
}

// Push appends a request with the given mode and returns the waiter that is
// released when the request's group is woken.
func (q *WaitQueue[T]) Push(mode Mode) *Waiter[T] {
	waiter, waker := NewWaiter[T]()

	g := q.back()
	if g == nil || mode == Exclusive || g.mode == Exclusive {
		g = &WaitGroup[T]{mode: mode}
		q.groups = append(q.groups, g)
	}

	g.wakers = append(g.wakers, waker)

	return waiter
}

// PushEmpty appends a group with no waiters. It is used to reserve the head
// of an idle queue for a request that is being granted without waiting, so
// later Shared requests coalesce behind it correctly.
func (q *WaitQueue[T]) PushEmpty(mode Mode) {
	q.groups = append(q.groups, &WaitGroup[T]{mode: mode})
}

// Front returns the head group, or nil if the queue is empty.
func (q *WaitQueue[T]) Front() *WaitGroup[T] {
	if len(q.groups) == 0 {
		return nil
	}

	return q.groups[0]
}

// PopFront removes the head group. It is a no-op on an empty queue.
func (q *WaitQueue[T]) PopFront() {
	if len(q.groups) == 0 {
		return
	}

	q.groups[0] = nil
	q.groups = q.groups[1:]
}

// Len returns the number of groups.
func (q *WaitQueue[T]) Len() int { return len(q.groups) }

// IsEmpty reports whether the queue holds no groups.
func (q *WaitQueue[T]) IsEmpty() bool { return len(q.groups) == 0 }

// Groups returns the mode and size of every group, head first.
func (q *WaitQueue[T]) Groups() []GroupInfo {
	out := make([]GroupInfo, 0, len(q.groups))
	for _, g := range q.groups {
		out = append(out, GroupInfo{Mode: g.mode, Waiters: len(g.wakers)})
	}

	return out
}

// GroupInfo describes one group of a [WaitQueue].
type GroupInfo struct {
	Mode    Mode
	Waiters int
}

func (q *WaitQueue[T]) back() *WaitGroup[T] {
	if len(q.groups) == 0 {
		return nil
	}

	return q.groups[len(q.groups)-1]
}

// mergeSharedBehindFront moves the wakers of Shared groups directly behind a
// Shared head into the head and returns them. It stops at the first Exclusive
// group.
func (q *WaitQueue[T]) mergeSharedBehindFront() []*Waker[T] {
	head := q.Front()
	if head == nil || head.mode != Shared {
		return nil
	}

	var merged []*Waker[T]

	for len(q.groups) > 1 && q.groups[1].mode == Shared {
		merged = append(merged, q.groups[1].wakers...)
		q.groups = append(q.groups[:1], q.groups[2:]...)
	}

	return merged
}
