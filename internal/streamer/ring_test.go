package streamer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_KeepsMostRecent(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Lines())

	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Lines())

	r.Push("c")
	r.Push("d")
	r.Push("e")
	assert.Equal(t, []string{"c", "d", "e"}, r.Lines())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRing_LinesIsACopy(t *testing.T) {
	r := NewRing(2)
	r.Push("x")
	lines := r.Lines()
	lines[0] = "changed"
	assert.Equal(t, []string{"x"}, r.Lines())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Push("one")
	r.Push("two")
	assert.Equal(t, []string{"two"}, r.Lines())
}
