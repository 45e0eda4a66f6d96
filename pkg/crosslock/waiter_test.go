package crosslock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
)

func Test_Waiter_Wait_Returns_Value_When_Woken_Before_Wait(t *testing.T) {
	t.Parallel()

	waiter, waker := crosslock.NewWaiter[int]()
	waker.Wake(42)

	require.Equal(t, 42, waiter.Wait())
	require.True(t, waker.Fired())
}

func Test_Waiter_Wait_Returns_Value_When_Woken_From_Another_Goroutine(t *testing.T) {
	t.Parallel()

	waiter, waker := crosslock.NewWaiter[string]()
	got := make(chan string, 1)

	go func() {
		got <- waiter.Wait()
	}()

	time.Sleep(5 * time.Millisecond)
	waker.Wake("granted")

	select {
	case v := <-got:
		require.Equal(t, "granted", v)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func Test_Waker_Discard_Panics_When_Armed(t *testing.T) {
	t.Parallel()

	waiter, waker := crosslock.NewWaiter[int]()

	require.PanicsWithValue(t, crosslock.ErrWakerDiscarded, func() { waker.Discard() })
	require.Panics(t, func() { waiter.Wait() }, "Wait after discard must not block forever")
}

func Test_Waker_Discard_Is_Noop_After_Wake(t *testing.T) {
	t.Parallel()

	_, waker := crosslock.NewWaiter[int]()
	waker.Wake(1)

	require.NotPanics(t, func() { waker.Discard() })
}

func Test_Waker_Wake_Panics_When_Called_Twice(t *testing.T) {
	t.Parallel()

	_, waker := crosslock.NewWaiter[int]()
	waker.Wake(1)

	require.Panics(t, func() { waker.Wake(2) })
}

func Test_Waiter_Wait_Panics_When_Called_Twice(t *testing.T) {
	t.Parallel()

	waiter, waker := crosslock.NewWaiter[int]()
	waker.Wake(1)
	_ = waiter.Wait()

	require.Panics(t, func() { waiter.Wait() })
}
