package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireOnlyOncePerArm(t *testing.T) {
	var calls int
	n := New(func(Report) { calls++ })

	fired := n.Fire(NewReport([]uint64{1, 2}, nil, time.Now()))
	assert.True(t, fired)
	assert.Equal(t, 1, calls)

	fired = n.Fire(NewReport([]uint64{1, 2}, nil, time.Now()))
	assert.False(t, fired)
	assert.Equal(t, 1, calls)

	n.Reset()
	fired = n.Fire(NewReport([]uint64{1, 2}, nil, time.Now()))
	assert.True(t, fired)
	assert.Equal(t, 2, calls)
}

func TestFireWithNilCallbackIsSilentNoOp(t *testing.T) {
	n := New(nil)
	fired := n.Fire(NewReport([]uint64{1}, nil, time.Now()))
	assert.False(t, fired)
}

func TestReportJSONShape(t *testing.T) {
	r := NewReport([]uint64{1, 2, 3}, []Pair{{1, 20}, {2, 30}}, time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC))

	b, err := r.JSON()
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))

	assert.Contains(t, generic, "thread_cycle")
	assert.Contains(t, generic, "thread_waiting_for_locks")
	assert.Contains(t, generic, "timestamp")

	cycle, ok := generic["thread_cycle"].([]any)
	require.True(t, ok)
	assert.Len(t, cycle, 3)

	pairs, ok := generic["thread_waiting_for_locks"].([]any)
	require.True(t, ok)
	assert.Len(t, pairs, 2)
	firstPair, ok := pairs[0].([]any)
	require.True(t, ok)
	assert.Len(t, firstPair, 2)
}
