package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Zero(t, r.average())
	assert.Zero(t, r.last())

	r.add(1 * time.Millisecond)
	r.add(2 * time.Millisecond)
	assert.Equal(t, 2, r.len())
	assert.Equal(t, 1500*time.Microsecond, r.average())

	r.add(3 * time.Millisecond)
	r.add(9 * time.Millisecond)
	assert.Equal(t, 3, r.len(), "window is bounded")
	assert.Equal(t, 14*time.Millisecond/3, r.average(), "oldest sample evicted")
	assert.Equal(t, 9*time.Millisecond, r.last())
}

func TestRing_Reset(t *testing.T) {
	r := newRing(2)
	r.add(4 * time.Millisecond)
	r.add(6 * time.Millisecond)
	r.add(8 * time.Millisecond)
	r.reset()
	assert.Zero(t, r.len())
	assert.Zero(t, r.average())
	assert.Zero(t, r.last())

	r.add(2 * time.Millisecond)
	assert.Equal(t, 2*time.Millisecond, r.average())
}
