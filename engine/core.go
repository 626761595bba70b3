// Copyright (c) 2024 Erik Kassubek
//
// File: core.go
// Brief: Shared state and serialization point for all instrumented primitives
//
// License: BSD-3-Clause

// Package engine implements the instrumented mutex, rwlock and condvar
// semantics: exclusive acquire/release with a FIFO waiter queue,
// shared/exclusive rwlock acquire/release with writer preference, and
// atomic release-wait-reacquire for condition variables.
//
// Every engine type shares one Core, which carries the single global
// detector lock: the registry, the wait-for graph, and the cycle search
// are all mutated only while Core.mu is held, and that lock is always
// released before the calling goroutine blocks on Core.cond. The
// detector lock therefore never nests inside a user-visible blocking
// operation, and the user-supplied callback always runs with the lock
// already released.
//
// The blocking style is a state word guarded by one sync.Mutex/sync.Cond
// pair, with waiters looping on Wait() until their predicate holds. FIFO
// waiter queues, not an unordered broadcast-and-recheck, decide who is
// granted next: wake order has to match the order the detector reasons
// about, or reported cycles would not correspond to a realistic
// schedule.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"deloxide/errs"
	"deloxide/graph"
	"deloxide/ids"
	"deloxide/notify"
	"deloxide/registry"
	"deloxide/sink"
	"deloxide/stats"
	"deloxide/stress"
	"deloxide/timer"
	"deloxide/utils"
)

// Core is the detector's shared, process-wide state: the registry, the
// wait-for graph, the notifier, the event sink, and the lock that
// serializes all of them.
type Core struct {
	mu   sync.Mutex
	cond *sync.Cond

	reg      *registry.Registry
	g        *graph.Graph
	notifier *notify.Notifier
	sink     *sink.Sink
	stats    *stats.Stats
	stress   stress.Config

	deadlockDetected atomic.Bool
}

// SetStress installs the stress-test delay configuration. This is only
// meaningful before the core starts seeing real traffic;
// changing it concurrently with live acquisitions is the caller's
// responsibility to avoid, exactly as a real init-time-only toggle would
// require.
func (c *Core) SetStress(cfg stress.Config) {
	c.stress = cfg
}

// preAcquireDelay runs the configured stress-test delay, if any, before an
// acquire attempt takes the detector lock. contended is evaluated under
// the lock only when Component mode needs it, so Uniform/None callers pay
// no extra locking cost.
func (c *Core) preAcquireDelay(contendedCheck func() bool) {
	switch c.stress.Mode {
	case stress.None:
		return
	case stress.Component:
		c.mu.Lock()
		contended := contendedCheck()
		c.mu.Unlock()
		c.stress.Delay(contended)
	default:
		c.stress.Delay(false)
	}
}

// NewCore builds a Core with its own event sink (possibly disabled, if
// logPath is empty) and notifier callback.
func NewCore(logPath string, cb notify.Callback) (*Core, error) {
	sk, err := sink.New(logPath)
	if err != nil {
		return nil, errs.ErrInvalidConfig
	}
	sk.StartGuard()

	c := &Core{
		reg:      registry.New(),
		g:        graph.New(),
		notifier: notify.New(cb),
		sink:     sk,
		stats:    stats.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// SpawnThread registers a newly-created thread and returns its id.
func (c *Core) SpawnThread(parentTid uint64) uint64 {
	c.mu.Lock()
	tid := ids.NextThreadID()
	c.reg.RegisterThreadSpawn(tid, parentTid)
	c.sink.Append(sink.Event{Kind: sink.ThreadSpawn, Thread: tid})
	c.mu.Unlock()

	c.stats.IncThreadSpawn()
	return tid
}

// destroyEventKind maps a registry.Kind to the sink event kind reported
// when that kind of resource is actually destroyed.
func destroyEventKind(k registry.Kind) sink.Kind {
	switch k {
	case registry.KindRWLock:
		return sink.RWLockDestroy
	case registry.KindCondvar:
		return sink.CondvarDestroy
	default:
		return sink.MutexDestroy
	}
}

// ExitThread marks tid not-live and performs cascaded destruction of any
// of its now-idle created resources, waking any blocked
// goroutines in case that destruction freed something they were waiting
// on (it normally can't, an idle resource has no waiters by definition,
// but the broadcast is cheap and keeps the invariant obviously true
// rather than relying on that reasoning holding forever).
func (c *Core) ExitThread(tid uint64) {
	c.mu.Lock()
	destroyed := c.reg.RegisterThreadExit(tid)
	c.sink.Append(sink.Event{Kind: sink.ThreadExit, Thread: tid})
	for _, d := range destroyed {
		c.sink.Append(sink.Event{Kind: destroyEventKind(d.Kind), Resource: d.ID})
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	c.stats.IncThreadExit()
}

// CreateMutex allocates a new mutex created by creatorTid (0 for none).
func (c *Core) CreateMutex(creatorTid uint64) uint64 {
	c.mu.Lock()
	id := c.reg.CreateMutex(creatorTid)
	c.sink.Append(sink.Event{Kind: sink.MutexCreate, Resource: id, Thread: creatorTid})
	c.mu.Unlock()
	return id
}

// CreateRWLock allocates a new rwlock created by creatorTid.
func (c *Core) CreateRWLock(creatorTid uint64) uint64 {
	c.mu.Lock()
	id := c.reg.CreateRWLock(creatorTid)
	c.sink.Append(sink.Event{Kind: sink.RWLockCreate, Resource: id, Thread: creatorTid})
	c.mu.Unlock()
	return id
}

// CreateCondvar allocates a new condvar created by creatorTid.
func (c *Core) CreateCondvar(creatorTid uint64) uint64 {
	c.mu.Lock()
	id := c.reg.CreateCondvar(creatorTid)
	c.sink.Append(sink.Event{Kind: sink.CondvarCreate, Resource: id, Thread: creatorTid})
	c.mu.Unlock()
	return id
}

// DestroyMutex destroys id, deferring if it is still in use.
func (c *Core) DestroyMutex(id uint64) error {
	return c.destroy(id, registry.KindMutex, c.reg.DestroyMutex)
}

// DestroyRWLock destroys id, deferring if it is still in use.
func (c *Core) DestroyRWLock(id uint64) error {
	return c.destroy(id, registry.KindRWLock, c.reg.DestroyRWLock)
}

// DestroyCondvar destroys id, deferring if it is still in use.
func (c *Core) DestroyCondvar(id uint64) error {
	return c.destroy(id, registry.KindCondvar, c.reg.DestroyCondvar)
}

func (c *Core) destroy(id uint64, kind registry.Kind, op func(uint64) (bool, bool)) error {
	c.mu.Lock()
	deferred, ok := op(id)
	if ok {
		if deferred {
			c.sink.Append(sink.Event{Kind: sink.DestroyDeferred, Resource: id})
		} else {
			c.sink.Append(sink.Event{Kind: destroyEventKind(kind), Resource: id})
		}
	}
	c.mu.Unlock()

	if !ok {
		return errs.ErrInvalidHandle
	}
	if deferred {
		c.stats.IncDestroyDeferred()
		utils.LogImportantf("destroy of resource %d deferred, still in use", id)
	}
	return nil
}

// IsThreadAlive reports whether tid names a registered thread that has
// not yet exited.
func (c *Core) IsThreadAlive(tid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.IsAlive(tid)
}

// CreatorOf returns the creator thread id of a mutex, rwlock or condvar.
func (c *Core) CreatorOf(id uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creator, ok := c.reg.CreatorOf(id)
	if !ok {
		return 0, errs.ErrInvalidHandle
	}
	return creator, nil
}

// IsDeadlockDetected reports the latched deadlock flag.
func (c *Core) IsDeadlockDetected() bool {
	return c.deadlockDetected.Load()
}

// ResetDeadlockFlag clears the latched flag and re-arms the notifier.
func (c *Core) ResetDeadlockFlag() {
	c.deadlockDetected.Store(false)
	c.notifier.Reset()
}

// IsLoggingEnabled reports whether the event sink is backed by a file.
func (c *Core) IsLoggingEnabled() bool {
	return c.sink.Enabled()
}

// FlushLogs flushes the event sink's buffered writer.
func (c *Core) FlushLogs() error {
	if err := c.sink.Flush(); err != nil {
		return errs.ErrIoFailure
	}
	return nil
}

// Stats returns a snapshot of the running counters.
func (c *Core) Stats() stats.Snapshot {
	return c.stats.Snapshot()
}

// fireIfCycle delivers a report computed by checkCycle to the notifier.
// Callers must have released c.mu first: the callback runs outside the
// detector lock, so it may safely call back into the core.
// Splitting the locked half (checkCycle) from this unlocked half keeps
// the locked section's shape visible at each call site instead of buried
// behind one helper.
func (c *Core) fireIfCycle(report *graph.DeadlockReport) {
	if report == nil {
		return
	}

	pairs := make([]notify.Pair, len(report.ThreadWaitingForLock))
	for i, p := range report.ThreadWaitingForLock {
		pairs[i] = notify.Pair{p.Thread, p.Resource}
	}
	rep := notify.NewReport(report.ThreadCycle, pairs, report.Timestamp)

	utils.LogDeadlock("deadlock cycle detected: threads ", rep.ThreadCycle)
	c.notifier.Fire(rep)
}

// checkCycle must be called while holding c.mu, immediately after a new
// wait edge is installed for tid. It records the detection in stats and
// the sink (both fine to do under the lock) and returns the report, if
// any, for the caller to hand to fireIfCycle once the lock is released.
func (c *Core) checkCycle(tid uint64) *graph.DeadlockReport {
	timer.Start(timer.CycleSearch)
	report, found := c.g.HasCycleTouching(tid, time.Now())
	timer.Stop(timer.CycleSearch)

	if !found {
		return nil
	}

	c.deadlockDetected.Store(true)
	c.stats.IncCycleDetected()
	c.sink.AppendDeadlock(report.ThreadCycle, report.Timestamp.Format(time.RFC3339))
	return report
}
