package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextThreadIDMonotonic(t *testing.T) {
	Reset()

	a := NextThreadID()
	b := NextThreadID()
	c := NextThreadID()

	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestThreadAndResourceIDsDisjoint(t *testing.T) {
	Reset()

	seen := map[uint64]struct{}{}
	for i := 0; i < 100; i++ {
		tid := NextThreadID()
		rid := NextResourceID()
		for _, id := range []uint64{tid, rid} {
			_, dup := seen[id]
			assert.False(t, dup, "id %d minted twice", id)
			seen[id] = struct{}{}
		}
	}
}

func TestZeroIsNeverMinted(t *testing.T) {
	Reset()
	assert.NotZero(t, NextThreadID())
	assert.NotZero(t, NextResourceID())
}
