// Copyright (c) 2024 Erik Kassubek
//
// File: condvar.go
// Brief: Instrumented condition variable with atomic release-wait-reacquire
//
// License: BSD-3-Clause

package engine

import (
	"time"

	"deloxide/errs"
	"deloxide/graph"
	"deloxide/registry"
	"deloxide/sink"
)

// Cond is an instrumented condition variable. Wait installs an ordinary
// wait edge onto the condvar's id, exactly like a mutex or rwlock
// acquisition would, and runs the cycle detector. No thread is ever
// recorded as holding a condvar, so that edge projects onto no other
// thread: a cycle never passes through the condvar itself, including one
// that would close through whoever eventually signals it. Cycles that
// involve condvar users are found when the woken waiter reacquires its
// mutex through Mutex.Lock.
type Cond struct {
	core *Core
	id   uint64
}

// NewCond creates a condvar tracked by core, optionally attributing it to
// creatorTid (0 for none).
func NewCond(core *Core, creatorTid uint64) *Cond {
	return &Cond{core: core, id: core.CreateCondvar(creatorTid)}
}

// ID returns the resource id backing this condvar.
func (cv *Cond) ID() uint64 { return cv.id }

// Destroy removes the condvar, deferring if it still has waiters.
func (cv *Cond) Destroy() error {
	return cv.core.DestroyCondvar(cv.id)
}

// Wait atomically releases m (which tid must currently hold), blocks until
// notified, and reacquires m before returning. tid must hold m or Wait
// fails with errs.ErrMutexNotHeld without touching any state.
func (cv *Cond) Wait(tid uint64, m *Mutex) error {
	return cv.wait(tid, m, 0, false)
}

// WaitTimeout is Wait with a deadline: if no notify reaches tid within d,
// Wait returns errs.ErrTimeout, having already reacquired m.
func (cv *Cond) WaitTimeout(tid uint64, m *Mutex, d time.Duration) error {
	return cv.wait(tid, m, d, true)
}

func (cv *Cond) wait(tid uint64, m *Mutex, d time.Duration, hasDeadline bool) error {
	c := cv.core
	c.mu.Lock()

	cvInfo := c.reg.Condvar(cv.id)
	if cvInfo == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}
	mInfo := c.reg.MutexAny(m.id)
	if mInfo == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}
	if mInfo.Holder != tid {
		c.mu.Unlock()
		return errs.ErrMutexNotHeld
	}

	// Atomic release: the mutex hold is dropped before tid is recorded as
	// a condvar waiter, so the two states are never simultaneously true.
	// Any other thread queued on m sees Holder==0
	// and races for it exactly as it would after an ordinary Unlock.
	mInfo.Holder = 0
	c.g.RemoveHold(tid, m.id)
	c.reg.RemoveHold(tid, m.id)
	c.sink.Append(sink.Event{Kind: sink.MutexUnlock, Thread: tid, Resource: m.id})
	c.reg.ReapIfDestroyed(m.id)

	cvInfo.Waiters[tid] = m.id
	cvInfo.Order = append(cvInfo.Order, tid)
	c.g.AddWait(tid, cv.id, graph.Exclusive)
	c.sink.Append(sink.Event{Kind: sink.CondvarWait, Thread: tid, Resource: cv.id})

	report := c.checkCycle(tid)
	c.cond.Broadcast()
	c.mu.Unlock()
	c.fireIfCycle(report)
	c.stats.IncCondvarWait()

	var deadlineTimer *time.Timer
	if hasDeadline {
		deadlineTimer = time.AfterFunc(d, func() { cv.fireDeadline(cvInfo, tid) })
	}

	c.mu.Lock()
	for {
		if _, stillWaiting := cvInfo.Waiters[tid]; !stillWaiting {
			break
		}
		c.cond.Wait()
	}
	timedOut := cvInfo.TimedOut[tid]
	delete(cvInfo.TimedOut, tid)
	c.mu.Unlock()

	if deadlineTimer != nil {
		deadlineTimer.Stop()
	}

	// Reacquire through the mutex engine's ordinary path: it may itself
	// block and may itself detect a new cycle.
	if err := m.Lock(tid); err != nil {
		return err
	}

	if timedOut {
		c.stats.IncCondvarTimeout()
		return errs.ErrTimeout
	}
	return nil
}

// fireDeadline is the WaitTimeout deadline callback. It only acts if tid
// is still a condvar waiter. If a notify already claimed it, the deadline
// firing is a no-op, since only one of the two can win.
func (cv *Cond) fireDeadline(cvInfo *registry.CondvarInfo, tid uint64) {
	c := cv.core
	c.mu.Lock()
	if cvInfo.RemoveWaiter(tid) {
		c.g.RemoveWait(tid)
		cvInfo.TimedOut[tid] = true
		c.reg.ReapIfDestroyed(cv.id)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// NotifyOne wakes the FIFO head of the waiter set. Wake order is fixed
// to insertion order rather than left scheduler-dependent, so reported
// cycles stay deterministic.
func (cv *Cond) NotifyOne() error {
	c := cv.core
	c.mu.Lock()

	// CondvarAny, not Condvar: a destroy with live waiters is deferred,
	// and the waiters must still be notifiable or they could never leave
	// and let the deferred destroy complete.
	info := c.reg.CondvarAny(cv.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}

	if len(info.Order) > 0 {
		tid := info.Order[0]
		info.RemoveWaiter(tid)
		c.g.RemoveWait(tid)
		c.cond.Broadcast()
	}
	c.sink.Append(sink.Event{Kind: sink.CondvarNotifyOne, Resource: cv.id})
	c.reg.ReapIfDestroyed(cv.id)
	c.mu.Unlock()

	c.stats.IncNotifyOne()
	return nil
}

// NotifyAll wakes every current waiter.
func (cv *Cond) NotifyAll() error {
	c := cv.core
	c.mu.Lock()

	info := c.reg.CondvarAny(cv.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}

	for _, tid := range info.Order {
		c.g.RemoveWait(tid)
	}
	info.Waiters = map[uint64]uint64{}
	info.Order = nil
	c.cond.Broadcast()
	c.sink.Append(sink.Event{Kind: sink.CondvarNotifyAll, Resource: cv.id})
	c.reg.ReapIfDestroyed(cv.id)
	c.mu.Unlock()

	c.stats.IncNotifyAll()
	return nil
}
