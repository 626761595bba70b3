// Copyright (c) 2024 Erik Kassubek
//
// File: explain.go
// Brief: Turn a deadlock report into a short human-readable narrative
//
// License: BSD-3-Clause

// Package explain turns a notify.Report into the kind of short narrative
// a person unfamiliar with wait-for graphs can read directly. Deloxide
// has no file/bug-report pipeline to write into (the external showcase
// viewer owns that), so this package only builds the narrative string; a
// caller decides where it goes.
package explain

import (
	"fmt"
	"strings"

	"deloxide/notify"
)

// Report renders report as a multi-line narrative describing the cycle:
// one line per participant naming the resource it is blocked on and the
// thread that holds the lead to the next participant, followed by a line
// noting where the cycle closes.
func Report(report notify.Report) string {
	if len(report.ThreadCycle) == 0 {
		return "no deadlock cycle to explain"
	}

	waitFor := make(map[uint64]uint64, len(report.ThreadWaitingForLocks))
	for _, p := range report.ThreadWaitingForLocks {
		waitFor[p[0]] = p[1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "deadlock detected at %s, involving %d thread(s):\n",
		report.Timestamp, len(report.ThreadCycle))

	n := len(report.ThreadCycle)
	for i, tid := range report.ThreadCycle {
		next := report.ThreadCycle[(i+1)%n]
		if res, ok := waitFor[tid]; ok {
			fmt.Fprintf(&b, "  thread %d waits for resource %d, held by thread %d\n", tid, res, next)
		} else {
			fmt.Fprintf(&b, "  thread %d is part of the cycle leading to thread %d\n", tid, next)
		}
	}
	fmt.Fprintf(&b, "cycle closes back at thread %d; none of these threads can make progress without intervention\n",
		report.ThreadCycle[0])

	return b.String()
}
