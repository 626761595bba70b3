// Copyright (c) 2024 Erik Kassubek
//
// File: registry.go
// Brief: Lifecycles of tracked threads, mutexes, rwlocks and condvars
//
// License: BSD-3-Clause

// Package registry owns every thread and resource record the detector
// knows about: their lifecycles, creator/ownership bookkeeping, and the
// cascaded cleanup that runs when a thread exits. Engines (package engine)
// borrow these records under the caller-supplied lock; the registry itself
// does no locking of its own.
package registry

import (
	"deloxide/ids"
	"deloxide/utils"
)

// Kind distinguishes the three resource flavors sharing the id space.
type Kind int

const (
	KindMutex Kind = iota
	KindRWLock
	KindCondvar
)

// ThreadInfo is the registry's record of a tracked thread.
type ThreadInfo struct {
	ID        uint64
	ParentID  uint64 // 0 means no parent
	Holds     map[uint64]struct{}
	Created   map[uint64]struct{}
	Live      bool
}

// MutexInfo is the registry's record of a tracked exclusive mutex.
type MutexInfo struct {
	ID        uint64
	Creator   uint64
	Holder    uint64 // 0 means unheld
	Waiters   []uint64
	Destroyed bool
}

// RWLockInfo is the registry's record of a tracked reader/writer lock.
type RWLockInfo struct {
	ID      uint64
	Creator uint64
	Readers map[uint64]struct{}
	Writer  uint64 // 0 means no exclusive holder

	// Waiters is the FIFO queue of pending acquisitions, each tagged by
	// whether it wants a read or write hold. Order here is what
	// determines wake-up order and must be the same order the detector
	// reasons about, or reported cycles won't match observable
	// behaviour.
	Waiters   []RWWaiter
	Destroyed bool
}

// RWWaiter is one pending rwlock acquisition attempt.
type RWWaiter struct {
	Thread uint64
	Write  bool
}

// CondvarInfo is the registry's record of a tracked condition variable.
type CondvarInfo struct {
	ID      uint64
	Creator uint64
	// Waiters maps a waiting thread to the mutex id it will reacquire.
	Waiters map[uint64]uint64
	// Order is the FIFO insertion order of Waiters, since Go maps don't
	// iterate predictably and NotifyOne wakes in insertion order.
	Order []uint64
	// TimedOut records waiters whose WaitTimeout deadline fired before a
	// notify reached them, so the waiting goroutine can tell the two
	// wakeup reasons apart once it finds itself no longer in Waiters.
	TimedOut  map[uint64]bool
	Destroyed bool
}

// Registry holds the four id-keyed maps: threads, mutexes, rwlocks and
// condvars. Callers are responsible for serializing access (the engines
// do this via the shared detector lock); Registry itself is not safe for
// concurrent use without external synchronization.
type Registry struct {
	threads  map[uint64]*ThreadInfo
	mutexes  map[uint64]*MutexInfo
	rwlocks  map[uint64]*RWLockInfo
	condvars map[uint64]*CondvarInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		threads:  map[uint64]*ThreadInfo{},
		mutexes:  map[uint64]*MutexInfo{},
		rwlocks:  map[uint64]*RWLockInfo{},
		condvars: map[uint64]*CondvarInfo{},
	}
}

// RegisterThreadSpawn inserts a ThreadInfo for tid. A no-op if tid is
// already present.
func (r *Registry) RegisterThreadSpawn(tid, parentTid uint64) {
	if _, ok := r.threads[tid]; ok {
		return
	}
	r.threads[tid] = &ThreadInfo{
		ID:       tid,
		ParentID: parentTid,
		Holds:    map[uint64]struct{}{},
		Created:  map[uint64]struct{}{},
		Live:     true,
	}
}

// Thread returns the record for tid, or nil if unknown.
func (r *Registry) Thread(tid uint64) *ThreadInfo {
	return r.threads[tid]
}

// IsAlive reports whether tid names a registered thread that has not yet
// exited.
func (r *Registry) IsAlive(tid uint64) bool {
	th := r.threads[tid]
	return th != nil && th.Live
}

// DestroyedResource names a resource cascade-destroyed on thread exit,
// tagged with the kind it was before removal (KindOf can no longer answer
// that once the resource is gone from the registry's maps).
type DestroyedResource struct {
	ID   uint64
	Kind Kind
}

// RegisterThreadExit marks tid not-live and performs cascaded destruction:
// every resource created by tid with no holders, readers, writers or
// waiters is removed immediately. Resources still in use are left alone:
// they are not flagged destroyed, so ReapIfDestroyed does not remove them
// when their last user releases them, and they stay in the registry
// until an explicit DestroyMutex/DestroyRWLock/DestroyCondvar. Returns
// the resources that were destroyed as a result, for the sink's cascade
// bookkeeping.
func (r *Registry) RegisterThreadExit(tid uint64) []DestroyedResource {
	th := r.threads[tid]
	if th == nil {
		return nil
	}
	th.Live = false

	var destroyed []DestroyedResource
	for rid := range th.Created {
		kind, ok := r.KindOf(rid)
		if !ok {
			continue
		}
		if r.tryReap(rid) {
			destroyed = append(destroyed, DestroyedResource{ID: rid, Kind: kind})
		}
	}
	return destroyed
}

// tryReap removes resource rid if it is idle (no holder/readers/writer and
// no waiters), returning whether it removed it.
func (r *Registry) tryReap(rid uint64) bool {
	if m, ok := r.mutexes[rid]; ok {
		if m.Holder == 0 && len(m.Waiters) == 0 {
			delete(r.mutexes, rid)
			return true
		}
		return false
	}
	if rw, ok := r.rwlocks[rid]; ok {
		if len(rw.Readers) == 0 && rw.Writer == 0 && len(rw.Waiters) == 0 {
			delete(r.rwlocks, rid)
			return true
		}
		return false
	}
	if cv, ok := r.condvars[rid]; ok {
		if len(cv.Waiters) == 0 {
			delete(r.condvars, rid)
			return true
		}
		return false
	}
	return false
}

// CreateMutex allocates a new mutex, recording its creator.
func (r *Registry) CreateMutex(creator uint64) uint64 {
	id := ids.NextResourceID()
	r.mutexes[id] = &MutexInfo{ID: id, Creator: creator}
	r.noteCreated(creator, id)
	return id
}

// CreateRWLock allocates a new rwlock, recording its creator.
func (r *Registry) CreateRWLock(creator uint64) uint64 {
	id := ids.NextResourceID()
	r.rwlocks[id] = &RWLockInfo{ID: id, Creator: creator, Readers: map[uint64]struct{}{}}
	r.noteCreated(creator, id)
	return id
}

// CreateCondvar allocates a new condvar, recording its creator.
func (r *Registry) CreateCondvar(creator uint64) uint64 {
	id := ids.NextResourceID()
	r.condvars[id] = &CondvarInfo{
		ID:       id,
		Creator:  creator,
		Waiters:  map[uint64]uint64{},
		TimedOut: map[uint64]bool{},
	}
	r.noteCreated(creator, id)
	return id
}

func (r *Registry) noteCreated(creator, id uint64) {
	if th := r.threads[creator]; th != nil {
		th.Created[id] = struct{}{}
	}
}

// Mutex returns the record for id, or nil if unknown or flagged destroyed.
// Used by acquire paths (Lock): a destroy-flagged mutex refuses new
// acquisitions.
func (r *Registry) Mutex(id uint64) *MutexInfo {
	m := r.mutexes[id]
	if m == nil || m.Destroyed {
		return nil
	}
	return m
}

// MutexAny returns the record for id whether or not it is flagged
// destroyed. Used by release paths (Unlock): a thread that already holds a
// mutex must still be able to release it after a concurrent Destroy call
// deferred the actual removal, or the resource would never reach the idle
// state ReapIfDestroyed needs to finally remove it.
func (r *Registry) MutexAny(id uint64) *MutexInfo {
	return r.mutexes[id]
}

// RWLock returns the record for id, or nil if unknown or flagged destroyed.
func (r *Registry) RWLock(id uint64) *RWLockInfo {
	rw := r.rwlocks[id]
	if rw == nil || rw.Destroyed {
		return nil
	}
	return rw
}

// RWLockAny is the RWLock analogue of MutexAny.
func (r *Registry) RWLockAny(id uint64) *RWLockInfo {
	return r.rwlocks[id]
}

// Condvar returns the record for id, or nil if unknown or flagged destroyed.
func (r *Registry) Condvar(id uint64) *CondvarInfo {
	cv := r.condvars[id]
	if cv == nil || cv.Destroyed {
		return nil
	}
	return cv
}

// CondvarAny is the Condvar analogue of MutexAny.
func (r *Registry) CondvarAny(id uint64) *CondvarInfo {
	return r.condvars[id]
}

// DestroyMutex removes the mutex if unused, otherwise flags it destroyed
// so it is removed once its last user releases it. Returns whether the
// destroy had to be deferred, for the DestroyDeferred log event.
func (r *Registry) DestroyMutex(id uint64) (deferred bool, ok bool) {
	m := r.mutexes[id]
	if m == nil || m.Destroyed {
		return false, false
	}
	if m.Holder == 0 && len(m.Waiters) == 0 {
		delete(r.mutexes, id)
		return false, true
	}
	m.Destroyed = true
	return true, true
}

// DestroyRWLock is the rwlock analogue of DestroyMutex.
func (r *Registry) DestroyRWLock(id uint64) (deferred bool, ok bool) {
	rw := r.rwlocks[id]
	if rw == nil || rw.Destroyed {
		return false, false
	}
	if len(rw.Readers) == 0 && rw.Writer == 0 && len(rw.Waiters) == 0 {
		delete(r.rwlocks, id)
		return false, true
	}
	rw.Destroyed = true
	return true, true
}

// DestroyCondvar is the condvar analogue of DestroyMutex.
func (r *Registry) DestroyCondvar(id uint64) (deferred bool, ok bool) {
	cv := r.condvars[id]
	if cv == nil || cv.Destroyed {
		return false, false
	}
	if len(cv.Waiters) == 0 {
		delete(r.condvars, id)
		return false, true
	}
	cv.Destroyed = true
	return true, true
}

// ReapIfDestroyed removes rid once it becomes idle, if it was previously
// flagged destroyed-but-in-use. Called by the engines right after a
// release/unlock path frees the last user. Returns whether it reaped it.
func (r *Registry) ReapIfDestroyed(rid uint64) bool {
	if m, ok := r.mutexes[rid]; ok && m.Destroyed {
		return r.tryReap(rid)
	}
	if rw, ok := r.rwlocks[rid]; ok && rw.Destroyed {
		return r.tryReap(rid)
	}
	if cv, ok := r.condvars[rid]; ok && cv.Destroyed {
		return r.tryReap(rid)
	}
	return false
}

// CreatorOf returns the creator thread id of a mutex, rwlock or condvar id,
// whichever it turns out to be.
func (r *Registry) CreatorOf(id uint64) (uint64, bool) {
	if m, ok := r.mutexes[id]; ok {
		return m.Creator, true
	}
	if rw, ok := r.rwlocks[id]; ok {
		return rw.Creator, true
	}
	if cv, ok := r.condvars[id]; ok {
		return cv.Creator, true
	}
	return 0, false
}

// KindOf reports which kind of resource id names.
func (r *Registry) KindOf(id uint64) (Kind, bool) {
	if _, ok := r.mutexes[id]; ok {
		return KindMutex, true
	}
	if _, ok := r.rwlocks[id]; ok {
		return KindRWLock, true
	}
	if _, ok := r.condvars[id]; ok {
		return KindCondvar, true
	}
	return 0, false
}

// AddHold / RemoveHold keep ThreadInfo.Holds in sync with resource holder
// bookkeeping; engines call these alongside graph.AddHold/RemoveHold so the
// two views of "who holds what" never drift apart.

// AddHold records that tid now holds rid.
func (r *Registry) AddHold(tid, rid uint64) {
	if th := r.threads[tid]; th != nil {
		th.Holds[rid] = struct{}{}
	}
}

// RemoveHold records that tid no longer holds rid.
func (r *Registry) RemoveHold(tid, rid uint64) {
	if th := r.threads[tid]; th != nil {
		delete(th.Holds, rid)
	}
}

// RemoveWaiter drops tid from m's FIFO waiter queue. A no-op if tid
// isn't queued.
func (m *MutexInfo) RemoveWaiter(tid uint64) {
	m.Waiters = utils.RemoveFirst(m.Waiters, tid)
}

// RemoveWaiter drops tid from cv's waiter set and FIFO order, returning
// whether tid was actually still waiting. Used by both NotifyOne and a
// WaitTimeout deadline firing; whichever gets there first wins.
func (cv *CondvarInfo) RemoveWaiter(tid uint64) bool {
	if _, ok := cv.Waiters[tid]; !ok {
		return false
	}
	delete(cv.Waiters, tid)
	cv.Order = utils.RemoveFirst(cv.Order, tid)
	return true
}
