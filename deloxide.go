// Copyright (c) 2024 Erik Kassubek
//
// File: deloxide.go
// Brief: Public API wiring the registry, graph, engines, sink and notifier
//
// License: BSD-3-Clause

// Package deloxide is a cross-language deadlock detector embedded inside
// the synchronization primitives an application uses: wrap a Mutex, an
// RWMutex or a Cond from this package instead of sync's, and every
// acquire, release, wait and signal updates a global wait-for graph. When
// that graph acquires a cycle, the configured callback fires with a JSON
// description of the offending threads and resources.
//
// This file is the composition root: it wires package ids, registry,
// graph, engine, sink and notify together behind one process-wide
// singleton but carries no detection logic of its own. Every operation
// here is a thin, validated forward onto package engine's Core.
package deloxide

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"deloxide/engine"
	"deloxide/errs"
	"deloxide/notify"
	"deloxide/stats"
	"deloxide/stress"
	"deloxide/timer"
)

// Mutex, RWMutex and Cond are Deloxide's instrumented drop-ins for
// sync.Mutex, sync.RWMutex and sync.Cond. Callers supply their own thread
// id explicitly to every operation (see engine.Mutex's doc comment for why
// no goroutine-local identity is recovered from the runtime).
type (
	Mutex   = engine.Mutex
	RWMutex = engine.RWMutex
	Cond    = engine.Cond
)

// Report is the JSON-serializable deadlock report delivered to a
// Callback.
type Report = notify.Report

// Callback is invoked at most once per armed state when a cycle is
// detected. It runs outside the detector lock, so it may safely take
// application locks of its own.
type Callback = notify.Callback

// StressMode and friends re-export package stress's configuration so
// callers don't need a second import just to build a Config.
type (
	StressMode   = stress.Mode
	StressConfig = stress.Config
)

const (
	StressNone      = stress.None
	StressUniform   = stress.Uniform
	StressComponent = stress.Component
)

// Config configures Init. LogPath is optional: an empty path disables the
// event sink entirely. Callback is optional: nil means only the latched
// IsDeadlockDetected flag is available, no callback fires. Stress must be
// set before Init and is inert afterward.
type Config struct {
	LogPath  string
	Callback Callback
	Stress   StressConfig
}

type initState int32

const (
	stateUninit initState = iota
	stateInitializing
	stateReady
)

var (
	processState atomic.Int32 // holds an initState

	coreMu  sync.Mutex
	theCore *engine.Core
)

// Init performs Deloxide's process-wide one-time initialization, guarded
// by an atomic state word (uninit -> initializing -> ready).
// A second call returns errs.ErrAlreadyInitialized and leaves the running
// detector untouched.
func Init(cfg Config) error {
	if !processState.CompareAndSwap(int32(stateUninit), int32(stateInitializing)) {
		return errs.ErrAlreadyInitialized
	}

	core, err := engine.NewCore(cfg.LogPath, cfg.Callback)
	if err != nil {
		processState.Store(int32(stateUninit))
		return err
	}
	core.SetStress(cfg.Stress)

	coreMu.Lock()
	theCore = core
	coreMu.Unlock()

	processState.Store(int32(stateReady))
	return nil
}

// ResetForTesting tears the process-wide singleton down so a test binary
// can call Init again. Not part of the FFI-facing contract
// (a real host calls Init exactly once); exposed because Go test binaries,
// unlike the host processes Deloxide is normally embedded in, run many
// independent scenarios in one process.
func ResetForTesting() {
	coreMu.Lock()
	theCore = nil
	coreMu.Unlock()
	processState.Store(int32(stateUninit))
}

func activeCore() (*engine.Core, error) {
	if initState(processState.Load()) != stateReady {
		return nil, errs.ErrNotInitialized
	}
	coreMu.Lock()
	c := theCore
	coreMu.Unlock()
	return c, nil
}

// SpawnThread registers a newly-created thread and returns its id.
func SpawnThread(parentTid uint64) (uint64, error) {
	c, err := activeCore()
	if err != nil {
		return 0, err
	}
	return c.SpawnThread(parentTid), nil
}

// ExitThread marks tid not-live and cascades destruction of its now-idle
// created resources.
func ExitThread(tid uint64) error {
	c, err := activeCore()
	if err != nil {
		return err
	}
	c.ExitThread(tid)
	return nil
}

type threadIDKey struct{}

// WithThread returns a context carrying tid as the "current thread" for
// CurrentThreadID. Go goroutines have no stable OS-thread identity the way
// a C shim's pthread_self() provides one, so the Go-native equivalent of a
// current-thread query is a value explicitly threaded through
// context.Context rather than recovered from the runtime.
func WithThread(ctx context.Context, tid uint64) context.Context {
	return context.WithValue(ctx, threadIDKey{}, tid)
}

// CurrentThreadID returns the thread id attached to ctx by WithThread, if
// any.
func CurrentThreadID(ctx context.Context) (uint64, bool) {
	tid, ok := ctx.Value(threadIDKey{}).(uint64)
	return tid, ok
}

// NewMutex creates a mutex tracked by the global detector, optionally
// attributing it to creatorTid (0 for none).
func NewMutex(creatorTid uint64) (*Mutex, error) {
	c, err := activeCore()
	if err != nil {
		return nil, err
	}
	return engine.NewMutex(c, creatorTid), nil
}

// NewRWMutex creates an rwlock tracked by the global detector.
func NewRWMutex(creatorTid uint64) (*RWMutex, error) {
	c, err := activeCore()
	if err != nil {
		return nil, err
	}
	return engine.NewRWMutex(c, creatorTid), nil
}

// NewCond creates a condvar tracked by the global detector.
func NewCond(creatorTid uint64) (*Cond, error) {
	c, err := activeCore()
	if err != nil {
		return nil, err
	}
	return engine.NewCond(c, creatorTid), nil
}

// IsThreadAlive reports whether tid names a registered thread that has
// not yet exited.
func IsThreadAlive(tid uint64) (bool, error) {
	c, err := activeCore()
	if err != nil {
		return false, err
	}
	return c.IsThreadAlive(tid), nil
}

// CreatorOf returns the creator thread id of a mutex, rwlock or condvar.
func CreatorOf(id uint64) (uint64, error) {
	c, err := activeCore()
	if err != nil {
		return 0, err
	}
	return c.CreatorOf(id)
}

// IsDeadlockDetected reports the latched deadlock flag.
func IsDeadlockDetected() (bool, error) {
	c, err := activeCore()
	if err != nil {
		return false, err
	}
	return c.IsDeadlockDetected(), nil
}

// ResetDeadlockFlag clears the latched flag and re-arms the notifier.
func ResetDeadlockFlag() error {
	c, err := activeCore()
	if err != nil {
		return err
	}
	c.ResetDeadlockFlag()
	return nil
}

// IsLoggingEnabled reports whether the event sink is backed by a file.
func IsLoggingEnabled() (bool, error) {
	c, err := activeCore()
	if err != nil {
		return false, err
	}
	return c.IsLoggingEnabled(), nil
}

// FlushLogs flushes the event sink's buffered writer.
func FlushLogs() error {
	c, err := activeCore()
	if err != nil {
		return err
	}
	return c.FlushLogs()
}

// Stats returns a snapshot of the running diagnostic counters.
func Stats() (stats.Snapshot, error) {
	c, err := activeCore()
	if err != nil {
		return stats.Snapshot{}, err
	}
	return c.Stats(), nil
}

// Timings returns the cumulative wall-clock time the detector has spent
// in each of its internal phases (graph edits, cycle searches, event-sink
// writes) so far. Deloxide promises no latency bound; this is how a host
// measures the latency the pipeline actually adds.
func Timings() map[timer.Phase]time.Duration {
	return timer.Snapshot()
}

// Showcase flushes the sink's own event log. path is not opened or
// checked; a viewer reading the sink's log file sees it complete.
// Rendering the showcase UI itself is the external viewer's job; this is
// only the flush-then-handoff point.
func Showcase(path string) error {
	return FlushLogs()
}

// ShowcaseCurrent is Showcase using the sink's own log path.
func ShowcaseCurrent() error {
	return FlushLogs()
}
