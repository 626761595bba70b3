package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerAccumulatesAcrossRuns(t *testing.T) {
	var tm Timer
	tm.Start()
	time.Sleep(2 * time.Millisecond)
	tm.Stop()
	first := tm.GetTime()
	assert.Greater(t, first, time.Duration(0))

	tm.Start()
	time.Sleep(2 * time.Millisecond)
	tm.Stop()
	assert.Greater(t, tm.GetTime(), first)
}

func TestTimerStartWhileRunningIsNoOp(t *testing.T) {
	var tm Timer
	tm.Start()
	tm.Start()
	tm.Stop()
	tm.Stop()
	assert.False(t, tm.running)
}

func TestTimerReset(t *testing.T) {
	var tm Timer
	tm.Start()
	time.Sleep(time.Millisecond)
	tm.Stop()
	tm.Reset()
	assert.Equal(t, time.Duration(0), tm.GetTime())
}

func TestPhaseSnapshot(t *testing.T) {
	Reset()

	Start(CycleSearch)
	time.Sleep(time.Millisecond)
	Stop(CycleSearch)

	snap := Snapshot()
	assert.Greater(t, snap[CycleSearch], time.Duration(0))
	_, hasGraphEdit := snap[GraphEdit]
	assert.False(t, hasGraphEdit, "a phase never started must not appear")
}

func TestPhaseSnapshotIncludesRunningTimer(t *testing.T) {
	Reset()

	Start(Sink)
	time.Sleep(time.Millisecond)
	snap := Snapshot()
	Stop(Sink)

	assert.Greater(t, snap[Sink], time.Duration(0))
}
