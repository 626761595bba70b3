// Copyright (c) 2024 Erik Kassubek
//
// File: notify.go
// Brief: Single-shot, resettable deadlock callback and its JSON report
//
// License: BSD-3-Clause

// Package notify implements the armed/disarmed deadlock notifier: a
// single user-supplied callback, invoked at most once per armed state,
// delivering the JSON deadlock report. Converting an internal finding
// into its one stable external representation happens here and nowhere
// else.
package notify

import (
	"encoding/json"
	"sync"
	"time"
)

// Pair is one (thread, resource) entry in a report's waiting-for list.
// Declared as a fixed two-element array, rather than a struct, so it
// marshals to the `[<tid>, <resource_id>]` wire shape.
type Pair [2]uint64

// Report is the JSON deadlock report, field order fixed by struct order
// (not a map) so repeated reports serialize identically.
type Report struct {
	ThreadCycle           []uint64 `json:"thread_cycle"`
	ThreadWaitingForLocks []Pair   `json:"thread_waiting_for_locks"`
	Timestamp             string   `json:"timestamp"`
}

// NewReport builds a Report from a cycle and its waiting-for pairs,
// stamping it with at as an ISO-8601 timestamp (with timezone); the core
// passes the time the cycle was detected. The wall-clock stamp is for human consumption only;
// the event sink's own sequencing is what two observers actually agree
// on.
func NewReport(cycle []uint64, waitingFor []Pair, at time.Time) Report {
	return Report{
		ThreadCycle:           cycle,
		ThreadWaitingForLocks: waitingFor,
		Timestamp:             at.Format(time.RFC3339),
	}
}

// JSON renders the report to its bit-exact JSON encoding.
func (r Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Callback is the user-supplied function invoked with a deadlock report.
// It must run outside the detector lock, so the callback can safely take
// application locks of its own; Notifier enforces this by never calling
// it while any of its own internal state is locked against a caller that
// might re-enter Fire.
type Callback func(Report)

// Notifier is a single-slot, resettable notification gate. It starts
// armed; the first cycle detected while armed fires the callback once and
// disarms. No further callback fires until Reset re-arms it.
type Notifier struct {
	mu    sync.Mutex
	armed bool
	cb    Callback
}

// New returns an armed Notifier wrapping cb. cb may be nil, in which case
// Fire is a silent no-op (useful when a host only wants the latched
// IsDeadlockDetected flag and no callback).
func New(cb Callback) *Notifier {
	return &Notifier{armed: true, cb: cb}
}

// SetCallback replaces the callback. Safe to call at any time.
func (n *Notifier) SetCallback(cb Callback) {
	n.mu.Lock()
	n.cb = cb
	n.mu.Unlock()
}

// Fire delivers report to the callback if the notifier is currently armed,
// then disarms it. A no-op if already disarmed or if no callback is set.
// Returns whether it actually fired.
//
// Callers MUST NOT hold the detector lock when calling Fire: the callback
// may call back into the core (e.g. to inspect or release its own
// resources), and nesting would deadlock the detector against itself.
func (n *Notifier) Fire(report Report) bool {
	n.mu.Lock()
	if !n.armed || n.cb == nil {
		n.mu.Unlock()
		return false
	}
	n.armed = false
	cb := n.cb
	n.mu.Unlock()

	cb(report)
	return true
}

// Reset re-arms the notifier so the next detected cycle fires again.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.armed = true
	n.mu.Unlock()
}

// Armed reports whether the next detection will fire the callback.
func (n *Notifier) Armed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.armed
}
