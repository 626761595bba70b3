package deloxide

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deloxide/timer"
)

func withFreshCore(t *testing.T, cfg Config) {
	t.Helper()
	require.NoError(t, Init(cfg))
	t.Cleanup(ResetForTesting)
}

func TestInitThenSecondInitFails(t *testing.T) {
	withFreshCore(t, Config{})
	assert.Error(t, Init(Config{}))
}

func TestOperationsFailBeforeInit(t *testing.T) {
	ResetForTesting() // in case a previous test left it initialized
	_, err := SpawnThread(0)
	assert.Error(t, err)
}

func TestSpawnExitAndMutexLifecycle(t *testing.T) {
	withFreshCore(t, Config{})

	tid, err := SpawnThread(0)
	require.NoError(t, err)

	alive, err := IsThreadAlive(tid)
	require.NoError(t, err)
	assert.True(t, alive)

	m, err := NewMutex(tid)
	require.NoError(t, err)
	require.NoError(t, m.Lock(tid))
	require.NoError(t, m.Unlock(tid))

	creator, err := CreatorOf(m.ID())
	require.NoError(t, err)
	assert.Equal(t, tid, creator)

	require.NoError(t, ExitThread(tid))

	alive, err = IsThreadAlive(tid)
	require.NoError(t, err)
	assert.False(t, alive)

	timings := Timings()
	assert.Contains(t, timings, timer.GraphEdit,
		"lock/unlock traffic must register graph-edit time")
}

func TestWithThreadContextRoundTrip(t *testing.T) {
	ctx := WithThread(context.Background(), 42)
	tid, ok := CurrentThreadID(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(42), tid)
}

func TestIntrospectionAndResetDeadlockFlag(t *testing.T) {
	fired := make(chan Report, 1)
	withFreshCore(t, Config{Callback: func(r Report) { fired <- r }})

	ma, err := NewMutex(0)
	require.NoError(t, err)
	mb, err := NewMutex(0)
	require.NoError(t, err)

	require.NoError(t, ma.Lock(1))
	require.NoError(t, mb.Lock(2))

	go mb.Lock(1)
	time.Sleep(20 * time.Millisecond)
	go ma.Lock(2)

	// The deadlock persists after the report (the detector reports and
	// continues; recovery is the host's job), so all this test waits for
	// is the callback itself.
	var report Report
	select {
	case report = <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the deadlock callback to fire within 2s")
	}
	assert.ElementsMatch(t, []uint64{1, 2}, report.ThreadCycle)

	detected, err := IsDeadlockDetected()
	require.NoError(t, err)
	assert.True(t, detected)

	require.NoError(t, ResetDeadlockFlag())
	detected, err = IsDeadlockDetected()
	require.NoError(t, err)
	assert.False(t, detected)

	enabled, err := IsLoggingEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, FlushLogs())

	snap, err := Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.CyclesDetected, uint64(1))
}

// Mixed rwlock+mutex+condvar three-thread cycle: TA holds
// M2, waits CV, then requests write on RW. TB holds read on RW, requests
// M1. TC holds M1, signals CV, then requests M2.
func TestMixedRWLockMutexCondvarThreeThreadCycle(t *testing.T) {
	var once sync.Once
	done := make(chan struct{})
	withFreshCore(t, Config{Callback: func(Report) {
		once.Do(func() { close(done) })
	}})

	m1, err := NewMutex(0)
	require.NoError(t, err)
	m2, err := NewMutex(0)
	require.NoError(t, err)
	rw, err := NewRWMutex(0)
	require.NoError(t, err)
	cv, err := NewCond(0)
	require.NoError(t, err)

	var signalled bool

	// TA: holds M2, waits CV (guarded by M2), and once woken, still
	// holding M2, requests write on RW.
	go func() {
		m2.Lock(1)
		for !signalled {
			cv.Wait(1, m2)
		}
		time.Sleep(30 * time.Millisecond) // let TB take its read hold first
		rw.Lock(1)
		rw.Unlock(1)
		m2.Unlock(1)
	}()

	// TC: holds M1, signals CV, then requests M2 (which TA reacquired on
	// its way out of the wait).
	go func() {
		time.Sleep(10 * time.Millisecond)
		m1.Lock(3)
		m2.Lock(3)
		signalled = true
		cv.NotifyAll()
		m2.Unlock(3)
		time.Sleep(20 * time.Millisecond)
		m2.Lock(3)
		m2.Unlock(3)
		m1.Unlock(3)
	}()

	// TB: holds read on RW, requests M1 (held by TC).
	go func() {
		time.Sleep(20 * time.Millisecond)
		rw.RLock(2)
		m1.Lock(2)
		m1.Unlock(2)
		rw.RUnlock(2)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected the mixed rwlock/mutex/condvar cycle to be reported within 3s")
	}

	detected, err := IsDeadlockDetected()
	require.NoError(t, err)
	assert.True(t, detected)
}
