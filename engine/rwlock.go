// Copyright (c) 2024 Erik Kassubek
//
// File: rwlock.go
// Brief: Instrumented reader/writer lock with writer preference
//
// License: BSD-3-Clause

package engine

import (
	"deloxide/errs"
	"deloxide/graph"
	"deloxide/registry"
	"deloxide/sink"
)

// RWMutex is an instrumented drop-in for a reader/writer lock. Reads and
// writes share one FIFO waiter queue so that wake order always matches
// the order the detector reasons about; otherwise recorded cycles may not
// match observable behaviour. A read request queued behind a pending
// writer is never promoted ahead of it, which is what gives writers their
// preference: new readers cannot starve a writer that is already waiting.
type RWMutex struct {
	core *Core
	id   uint64
}

// NewRWMutex creates an rwlock tracked by core, optionally attributing it
// to creatorTid (0 for none).
func NewRWMutex(core *Core, creatorTid uint64) *RWMutex {
	return &RWMutex{core: core, id: core.CreateRWLock(creatorTid)}
}

// ID returns the resource id backing this rwlock.
func (rw *RWMutex) ID() uint64 { return rw.id }

// Destroy removes the rwlock, deferring if it still has readers, a writer,
// or waiters.
func (rw *RWMutex) Destroy() error {
	return rw.core.DestroyRWLock(rw.id)
}

// RLock acquires a shared (read) hold for tid.
//
// Holding a read lock and then requesting a write lock on the same
// resource (the upgrade case) is supported without any
// special-casing here: the requester simply becomes both a reader and,
// later, a write-waiter on the same id, and the ordinary conflict rule in
// package graph already produces the edge to any other concurrent reader.
func (rw *RWMutex) RLock(tid uint64) error {
	c := rw.core
	c.preAcquireDelay(func() bool {
		info := c.reg.RWLock(rw.id)
		return info != nil && (info.Writer != 0 || len(info.Waiters) > 0)
	})

	c.mu.Lock()

	info := c.reg.RWLock(rw.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}

	// Writers already queued ahead of this read request block it even
	// while only readers hold the lock (writer preference), so they enter
	// the projection as explicit blockers alongside any conflicting
	// holders.
	var writersAhead []uint64
	for _, w := range info.Waiters {
		if w.Write {
			writersAhead = append(writersAhead, w.Thread)
		}
	}

	info.Waiters = append(info.Waiters, registry.RWWaiter{Thread: tid, Write: false})
	c.g.AddWait(tid, rw.id, graph.Shared)
	c.g.SetWaitBlockers(tid, writersAhead)
	c.promoteRW(info)

	if c.isReader(info, tid) {
		c.mu.Unlock()
		c.stats.IncReadLock()
		return nil
	}

	report := c.checkCycle(tid)
	c.mu.Unlock()
	c.fireIfCycle(report)

	c.mu.Lock()
	for !c.isReader(info, tid) {
		c.cond.Wait()
	}
	c.mu.Unlock()

	c.stats.IncReadLock()
	return nil
}

// RUnlock releases tid's shared hold on the rwlock.
func (rw *RWMutex) RUnlock(tid uint64) error {
	c := rw.core
	c.mu.Lock()

	info := c.reg.RWLockAny(rw.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}
	if _, ok := info.Readers[tid]; !ok {
		c.mu.Unlock()
		return errs.ErrNotHeldByCaller
	}

	delete(info.Readers, tid)
	c.g.RemoveHold(tid, rw.id)
	c.reg.RemoveHold(tid, rw.id)
	c.sink.Append(sink.Event{Kind: sink.RWLockReadUnlock, Thread: tid, Resource: rw.id})

	c.promoteRW(info)
	c.reg.ReapIfDestroyed(rw.id)
	c.cond.Broadcast()

	c.mu.Unlock()
	c.stats.IncReadUnlock()
	return nil
}

// Lock acquires an exclusive (write) hold for tid.
func (rw *RWMutex) Lock(tid uint64) error {
	c := rw.core
	c.preAcquireDelay(func() bool {
		info := c.reg.RWLock(rw.id)
		return info != nil && (len(info.Readers) > 0 || info.Writer != 0)
	})

	c.mu.Lock()

	info := c.reg.RWLock(rw.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}

	info.Waiters = append(info.Waiters, registry.RWWaiter{Thread: tid, Write: true})
	c.g.AddWait(tid, rw.id, graph.Exclusive)
	c.promoteRW(info)

	if info.Writer == tid {
		c.mu.Unlock()
		c.stats.IncWriteLock()
		return nil
	}

	report := c.checkCycle(tid)
	c.mu.Unlock()
	c.fireIfCycle(report)

	c.mu.Lock()
	for info.Writer != tid {
		c.cond.Wait()
	}
	c.mu.Unlock()

	c.stats.IncWriteLock()
	return nil
}

// Unlock releases tid's exclusive hold on the rwlock.
func (rw *RWMutex) Unlock(tid uint64) error {
	c := rw.core
	c.mu.Lock()

	info := c.reg.RWLockAny(rw.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}
	if info.Writer != tid {
		c.mu.Unlock()
		return errs.ErrNotHeldByCaller
	}

	info.Writer = 0
	c.g.RemoveHold(tid, rw.id)
	c.reg.RemoveHold(tid, rw.id)
	c.sink.Append(sink.Event{Kind: sink.RWLockWriteUnlock, Thread: tid, Resource: rw.id})

	c.promoteRW(info)
	c.reg.ReapIfDestroyed(rw.id)
	c.cond.Broadcast()

	c.mu.Unlock()
	c.stats.IncWriteUnlock()
	return nil
}

// isReader reports whether tid currently holds a read lock on info. Must
// be called with c.mu held.
func (c *Core) isReader(info *registry.RWLockInfo, tid uint64) bool {
	_, ok := info.Readers[tid]
	return ok
}

// promoteRW walks info's FIFO waiter queue from the head, granting every
// waiter it safely can: a writer only when there are no current readers
// and no current writer, or a contiguous prefix of readers as long as no
// writer is currently held and the head of the remaining queue is itself a
// reader. A writer at the head of the queue, whether or not it can be
// granted right now, always stops promotion, which is what gives writers
// their preference over readers queued behind them.
// Must be called with c.mu held.
func (c *Core) promoteRW(info *registry.RWLockInfo) {
	for len(info.Waiters) > 0 {
		head := info.Waiters[0]

		if head.Write {
			if len(info.Readers) == 0 && info.Writer == 0 {
				info.Waiters = info.Waiters[1:]
				info.Writer = head.Thread
				c.g.RemoveWait(head.Thread)
				c.g.AddHold(head.Thread, info.ID, graph.Exclusive)
				c.reg.AddHold(head.Thread, info.ID)
				c.sink.Append(sink.Event{Kind: sink.RWLockWriteLock, Thread: head.Thread, Resource: info.ID})
				c.cond.Broadcast()
			}
			return
		}

		if info.Writer != 0 {
			return
		}

		info.Waiters = info.Waiters[1:]
		info.Readers[head.Thread] = struct{}{}
		c.g.RemoveWait(head.Thread)
		c.g.AddHold(head.Thread, info.ID, graph.Shared)
		c.reg.AddHold(head.Thread, info.ID)
		c.sink.Append(sink.Event{Kind: sink.RWLockReadLock, Thread: head.Thread, Resource: info.ID})
		c.cond.Broadcast()
	}
}
