// Copyright (c) 2025 Erik Kassubek
//
// File: stats.go
// Brief: Running counters over the core's lifetime, for host diagnostics
//
// License: BSD-3-Clause

// Package stats collects simple running counts of what the core has seen:
// spawns, exits, lock/unlock calls per primitive kind, cycles detected,
// and deferred destructions, exposed as a live, continuously-updated
// snapshot for host diagnostics.
package stats

import "sync"

// Snapshot is a point-in-time copy of the running counters.
type Snapshot struct {
	ThreadSpawns      uint64
	ThreadExits       uint64
	MutexLocks        uint64
	MutexUnlocks      uint64
	RWLockReadLocks   uint64
	RWLockReadUnlocks uint64
	RWLockWriteLocks  uint64
	RWLockWriteUnlock uint64
	CondvarWaits      uint64
	CondvarTimeouts   uint64
	NotifyOnes        uint64
	NotifyAlls        uint64
	CyclesDetected    uint64
	DestroyDeferred   uint64
}

// Stats accumulates counters under its own lock, independent of the
// detector lock: nothing here participates in cycle detection, so there
// is no reason to serialize it with the much hotter graph/registry lock.
type Stats struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) inc(f func(*Snapshot)) {
	s.mu.Lock()
	f(&s.s)
	s.mu.Unlock()
}

func (s *Stats) IncThreadSpawn()    { s.inc(func(x *Snapshot) { x.ThreadSpawns++ }) }
func (s *Stats) IncThreadExit()     { s.inc(func(x *Snapshot) { x.ThreadExits++ }) }
func (s *Stats) IncMutexLock()      { s.inc(func(x *Snapshot) { x.MutexLocks++ }) }
func (s *Stats) IncMutexUnlock()    { s.inc(func(x *Snapshot) { x.MutexUnlocks++ }) }
func (s *Stats) IncReadLock()       { s.inc(func(x *Snapshot) { x.RWLockReadLocks++ }) }
func (s *Stats) IncReadUnlock()     { s.inc(func(x *Snapshot) { x.RWLockReadUnlocks++ }) }
func (s *Stats) IncWriteLock()      { s.inc(func(x *Snapshot) { x.RWLockWriteLocks++ }) }
func (s *Stats) IncWriteUnlock()    { s.inc(func(x *Snapshot) { x.RWLockWriteUnlock++ }) }
func (s *Stats) IncCondvarWait()    { s.inc(func(x *Snapshot) { x.CondvarWaits++ }) }
func (s *Stats) IncCondvarTimeout() { s.inc(func(x *Snapshot) { x.CondvarTimeouts++ }) }
func (s *Stats) IncNotifyOne()      { s.inc(func(x *Snapshot) { x.NotifyOnes++ }) }
func (s *Stats) IncNotifyAll()      { s.inc(func(x *Snapshot) { x.NotifyAlls++ }) }
func (s *Stats) IncCycleDetected()  { s.inc(func(x *Snapshot) { x.CyclesDetected++ }) }
func (s *Stats) IncDestroyDeferred() { s.inc(func(x *Snapshot) { x.DestroyDeferred++ }) }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}
