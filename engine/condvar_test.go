package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deloxide/errs"
	"deloxide/notify"
)

func TestCondWaitRequiresMutexHeld(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	err := cv.Wait(1, m)
	assert.ErrorIs(t, err, errs.ErrMutexNotHeld)
}

func TestCondNotifyOneWakesSingleWaiter(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	require.NoError(t, m.Lock(1))
	woke := make(chan struct{})
	go func() {
		require.NoError(t, cv.Wait(1, m))
		close(woke)
		m.Unlock(1)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-woke:
		t.Fatal("waiter must not wake before notify")
	default:
	}

	require.NoError(t, m.Lock(2))
	require.NoError(t, cv.NotifyOne())
	require.NoError(t, m.Unlock(2))

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter should wake after NotifyOne")
	}
}

func TestCondNotifyAllWakesEveryWaiter(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	const n = 4
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			require.NoError(t, m.Lock(tid))
			require.NoError(t, cv.Wait(tid, m))
			require.NoError(t, m.Unlock(tid))
		}(uint64(i))
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Lock(99))
	require.NoError(t, cv.NotifyAll())
	require.NoError(t, m.Unlock(99))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("all waiters should wake after NotifyAll")
	}
}

func TestCondWaitTimeoutExpires(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	require.NoError(t, m.Lock(1))
	err := cv.WaitTimeout(1, m, 50*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrTimeout)

	// A timed-out wait must still reacquire the mutex before returning,
	// so the same thread can release it immediately.
	require.NoError(t, m.Unlock(1))
}

// Spurious-wakeup negative test: notifies fire while the
// predicate is false; the waiter must not be flagged as deadlocked and
// must eventually exit cleanly once the predicate becomes true.
func TestCondSpuriousNotifyNegative(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	var ready bool
	exited := make(chan struct{})
	go func() {
		require.NoError(t, m.Lock(1))
		for !ready {
			require.NoError(t, cv.Wait(1, m))
		}
		require.NoError(t, m.Unlock(1))
		close(exited)
	}()

	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, m.Lock(2))
		require.NoError(t, cv.NotifyOne())
		require.NoError(t, m.Unlock(2))
	}
	assert.False(t, c.IsDeadlockDetected())

	require.NoError(t, m.Lock(3))
	ready = true
	require.NoError(t, cv.NotifyOne())
	require.NoError(t, m.Unlock(3))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("waiter should exit cleanly once predicate becomes true")
	}
	assert.False(t, c.IsDeadlockDetected())
}

// A condvar destroyed while a waiter is parked defers the destroy; the
// waiter must still be notifiable, or it could never leave and let the
// deferred destroy complete.
func TestCondNotifyAfterDeferredDestroy(t *testing.T) {
	c := newTestCore(t)
	m := NewMutex(c, 0)
	cv := NewCond(c, 0)

	require.NoError(t, m.Lock(1))
	woke := make(chan struct{})
	go func() {
		require.NoError(t, cv.Wait(1, m))
		close(woke)
		m.Unlock(1)
	}()
	time.Sleep(30 * time.Millisecond)

	// Deferred: a waiter is parked.
	require.NoError(t, cv.Destroy())

	require.NoError(t, m.Lock(2))
	require.NoError(t, cv.NotifyOne())
	require.NoError(t, m.Unlock(2))

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter should wake after NotifyOne on a destroy-deferred condvar")
	}

	// The last waiter is gone, so the deferred destroy has completed: a
	// new wait now finds no condvar at all.
	require.NoError(t, m.Lock(3))
	err := cv.Wait(3, m)
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)
	require.NoError(t, m.Unlock(3))
}

// Condvar hold-and-wait: T1 holds MA, waits on CV (guarded
// by MA), then locks MB. T2 locks MB then MA, sets ready, notifies, then
// re-locks MA. Expected: a cycle is reported identifying the mutex pair.
func TestCondvarHoldAndWaitCycle(t *testing.T) {
	done := make(chan struct{})
	var once sync.Once
	c, err := NewCore("", func(notify.Report) {
		once.Do(func() { close(done) })
	})
	require.NoError(t, err)

	ma := NewMutex(c, 0)
	mb := NewMutex(c, 0)
	cv := NewCond(c, 0)

	var ready bool
	go func() {
		ma.Lock(1)
		for !ready {
			cv.Wait(1, ma)
		}
		mb.Lock(1)
		mb.Unlock(1)
		ma.Unlock(1)
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		mb.Lock(2)
		ma.Lock(2)
		ready = true
		cv.NotifyOne()
		ma.Unlock(2)
		time.Sleep(20 * time.Millisecond)
		ma.Lock(2)
		ma.Unlock(2)
		mb.Unlock(2)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected the condvar hold-and-wait cycle to be reported within 3s")
	}
	assert.True(t, c.IsDeadlockDetected())
}
