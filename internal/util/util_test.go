package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferEvicts(t *testing.T) {
	r := NewRingBuffer[int](2)
	_, ev := r.Push(1)
	assert.False(t, ev)
	r.Push(2)
	old, ev := r.Push(3)
	assert.True(t, ev)
	assert.Equal(t, 1, old)
	old, ev = r.Push(4)
	assert.True(t, ev)
	assert.Equal(t, 2, old)
}

func TestBoundedSetForgetsOldest(t *testing.T) {
	s := NewBoundedSet(2)
	s.Add("a")
	s.Add("b")
	// Re-adding does not take a second slot.
	s.Add("a")
	assert.True(t, s.Contains("a"))

	s.Add("c")
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "tmp", "x.db")
	assert.Equal(t, abs, ResolvePath("peer", abs))
	assert.Equal(t, filepath.Join("peer", "data", "x.db"), ResolvePath("peer", filepath.Join("data", "x.db")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "he…", Truncate("hello", 2))
}
