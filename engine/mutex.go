// Copyright (c) 2024 Erik Kassubek
//
// File: mutex.go
// Brief: Instrumented exclusive mutex
//
// License: BSD-3-Clause

package engine

import (
	"deloxide/errs"
	"deloxide/graph"
	"deloxide/registry"
	"deloxide/sink"
)

// Mutex is an instrumented drop-in for an exclusive lock: every Lock and
// Unlock call updates the shared registry and wait-for graph before the
// calling goroutine ever blocks. tid is supplied explicitly by the caller
// rather than inferred: Go exposes no stable goroutine identity, and a
// caller-supplied id is also what a C shim fronting this core would pass
// straight through from pthread_self().
type Mutex struct {
	core *Core
	id   uint64
}

// NewMutex creates a mutex tracked by core, optionally attributing it to
// creatorTid (0 for none).
func NewMutex(core *Core, creatorTid uint64) *Mutex {
	return &Mutex{core: core, id: core.CreateMutex(creatorTid)}
}

// ID returns the resource id backing this mutex.
func (m *Mutex) ID() uint64 { return m.id }

// Destroy removes the mutex, deferring the removal if it is still held or
// has waiters.
func (m *Mutex) Destroy() error {
	return m.core.DestroyMutex(m.id)
}

// Lock acquires the mutex for tid, blocking if it is already held.
//
// If the mutex is free, the hold edge is installed and Lock returns
// immediately. Otherwise tid is enqueued at the tail of the FIFO waiter
// queue, a wait edge is installed, and the cycle detector runs; whether
// or not it finds anything, tid then blocks until it reaches the head of
// the queue and the mutex is free.
func (m *Mutex) Lock(tid uint64) error {
	c := m.core
	c.preAcquireDelay(func() bool {
		info := c.reg.Mutex(m.id)
		return info != nil && info.Holder != 0
	})

	c.mu.Lock()

	info := c.reg.Mutex(m.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}

	// Grant immediately only when the mutex is free AND nobody is queued:
	// a freshly-arrived thread must never barge past waiters already in
	// the FIFO queue, or wake order would stop matching the order the
	// detector reasons about.
	if info.Holder == 0 && len(info.Waiters) == 0 {
		c.grantMutex(info, tid)
		c.mu.Unlock()
		c.stats.IncMutexLock()
		return nil
	}

	info.Waiters = append(info.Waiters, tid)
	c.g.AddWait(tid, m.id, graph.Exclusive)
	report := c.checkCycle(tid)
	c.mu.Unlock()
	c.fireIfCycle(report)

	c.mu.Lock()
	for !(info.Holder == 0 && len(info.Waiters) > 0 && info.Waiters[0] == tid) {
		c.cond.Wait()
	}
	info.Waiters = info.Waiters[1:]
	c.g.RemoveWait(tid)
	c.grantMutex(info, tid)
	c.mu.Unlock()

	c.stats.IncMutexLock()
	return nil
}

// grantMutex installs the hold edge for tid on an already-free mutex.
// Must be called with c.mu held.
func (c *Core) grantMutex(info *registry.MutexInfo, tid uint64) {
	info.Holder = tid
	c.g.AddHold(tid, info.ID, graph.Exclusive)
	c.reg.AddHold(tid, info.ID)
	c.sink.Append(sink.Event{Kind: sink.MutexLock, Thread: tid, Resource: info.ID})
}

// Unlock releases the mutex, which must currently be held by tid.
func (m *Mutex) Unlock(tid uint64) error {
	c := m.core
	c.mu.Lock()

	info := c.reg.MutexAny(m.id)
	if info == nil {
		c.mu.Unlock()
		return errs.ErrInvalidHandle
	}
	if info.Holder != tid {
		c.mu.Unlock()
		return errs.ErrNotHeldByCaller
	}

	info.Holder = 0
	c.g.RemoveHold(tid, m.id)
	c.reg.RemoveHold(tid, m.id)
	c.sink.Append(sink.Event{Kind: sink.MutexUnlock, Thread: tid, Resource: m.id})
	c.reg.ReapIfDestroyed(m.id)
	c.cond.Broadcast()

	c.mu.Unlock()
	c.stats.IncMutexUnlock()
	return nil
}
