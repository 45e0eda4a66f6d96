package crosslock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
)

// wakeAll wakes every waiter left in q so no armed waker is collected.
func wakeAll[T any](q *crosslock.WaitQueue[T]) {
	var zero T

	for !q.IsEmpty() {
		for _, wk := range q.Front().DrainWakers() {
			wk.Wake(zero)
		}

		q.PopFront()
	}
}

func Test_WaitQueue_Push_Coalesces_Consecutive_Shared_Requests(t *testing.T) {
	t.Parallel()

	var q crosslock.WaitQueue[int]
	t.Cleanup(func() { wakeAll(&q) })

	q.Push(crosslock.Shared)
	q.Push(crosslock.Shared)
	q.Push(crosslock.Exclusive)
	q.Push(crosslock.Shared)

	require.Equal(t, []crosslock.GroupInfo{
		{Mode: crosslock.Shared, Waiters: 2},
		{Mode: crosslock.Exclusive, Waiters: 1},
		{Mode: crosslock.Shared, Waiters: 1},
	}, q.Groups())
	require.Equal(t, 3, q.Len())
}

func Test_WaitQueue_Push_Never_Merges_Exclusive_Requests(t *testing.T) {
	t.Parallel()

	var q crosslock.WaitQueue[int]
	t.Cleanup(func() { wakeAll(&q) })

	q.Push(crosslock.Exclusive)
	q.Push(crosslock.Exclusive)

	require.Equal(t, []crosslock.GroupInfo{
		{Mode: crosslock.Exclusive, Waiters: 1},
		{Mode: crosslock.Exclusive, Waiters: 1},
	}, q.Groups())
}

func Test_WaitQueue_PushEmpty_Reserves_Head_That_Shared_Requests_Join(t *testing.T) {
	t.Parallel()

	var q crosslock.WaitQueue[int]
	t.Cleanup(func() { wakeAll(&q) })

	q.PushEmpty(crosslock.Shared)
	q.Push(crosslock.Shared)

	require.Equal(t, []crosslock.GroupInfo{{Mode: crosslock.Shared, Waiters: 1}}, q.Groups())
}

func Test_WaitGroup_Wakes_Members_In_Push_Order(t *testing.T) {
	t.Parallel()

	var q crosslock.WaitQueue[int]

	first := q.Push(crosslock.Shared)
	second := q.Push(crosslock.Shared)

	group := q.Front()
	require.Equal(t, crosslock.Shared, group.Mode())

	wk, ok := group.TakeWaker()
	require.True(t, ok)
	wk.Wake(1)

	rest := group.DrainWakers()
	require.Len(t, rest, 1)
	rest[0].Wake(2)

	_, ok = group.TakeWaker()
	require.False(t, ok)

	require.Equal(t, 1, first.Wait())
	require.Equal(t, 2, second.Wait())

	q.PopFront()
	require.True(t, q.IsEmpty())
	require.Nil(t, q.Front())
}
