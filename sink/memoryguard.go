// Copyright (c) 2025 Erik Kassubek
//
// File: memoryguard.go
// Brief: Host memory-pressure watchdog backing the event sink
//
// License: BSD-3-Clause

package sink

import (
	"sync/atomic"
	"time"

	"deloxide/utils"

	"github.com/shirou/gopsutil/mem"
)

// MemoryGuard samples host RAM and swap usage and trips once the host is
// down to 2% available RAM or swap has grown by more than 1GB, flagging
// that the sink should start shedding events. A live detector embedded in
// someone else's process cannot simply abort under pressure, so the log
// degrades instead.
type MemoryGuard struct {
	tripped atomic.Bool
	stop    chan struct{}
}

// NewMemoryGuard returns an untripped guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{stop: make(chan struct{})}
}

// Run samples memory every second until Stop is called or the process is
// critically low on RAM/swap, at which point it trips and returns.
func (g *MemoryGuard) Run() {
	v, err := mem.VirtualMemory()
	if err != nil {
		utils.LogErrorf("sink: error reading memory info: %v", err)
		return
	}
	s, err := mem.SwapMemory()
	if err != nil {
		utils.LogErrorf("sink: error reading swap info: %v", err)
		return
	}

	thresholdRAM := uint64(float64(v.Total) * 0.02)
	thresholdSwap := uint64(1000 * 1024 * 1024)
	startSwap := s.Used

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}

		v, err = mem.VirtualMemory()
		if err != nil {
			continue
		}
		s, err = mem.SwapMemory()
		if err != nil {
			continue
		}

		if v.Available < thresholdRAM || s.Used > thresholdSwap+startSwap {
			g.tripped.Store(true)
			utils.LogError("sink: host memory pressure detected, shedding events")
			return
		}
	}
}

// Stop halts the background sampling loop.
func (g *MemoryGuard) Stop() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
}

// Tripped reports whether the guard has detected memory pressure.
func (g *MemoryGuard) Tripped() bool {
	return g.tripped.Load()
}

// Reset clears the tripped flag. Exposed for tests and for a host that
// has freed memory and wants the sink to resume buffering normally.
func (g *MemoryGuard) Reset() {
	g.tripped.Store(false)
}
