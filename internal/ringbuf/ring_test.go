package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingWrapAround(t *testing.T) {
	r := New[int](3)
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, 0, r.Len())

	_, ok := r.Latest()
	assert.False(t, ok)

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())

	r.Push(3)
	r.Push(4) // 覆盖 1
	r.Push(5) // 覆盖 2

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())

	latest, ok := r.Latest()
	assert.True(t, ok)
	assert.Equal(t, 5, latest)
}

func TestRingZeroCapacity(t *testing.T) {
	r := New[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, 1, r.Cap())
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestRingSnapshotIsCopy(t *testing.T) {
	r := New[int](2)
	r.Push(7)
	snap := r.Snapshot()
	snap[0] = 99
	assert.Equal(t, []int{7}, r.Snapshot())
}
