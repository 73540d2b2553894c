package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShareSessionFullAndHas(t *testing.T) {
	var s = &ShareSession{Clients: []string{"a"}}
	assert.False(t, s.Full())
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))

	s.Clients = append(s.Clients, "b")
	assert.True(t, s.Full())
}

func TestShareSessionOther(t *testing.T) {
	var s = &ShareSession{Clients: []string{"a", "b"}}

	other, ok := s.Other("a")
	assert.True(t, ok)
	assert.Equal(t, "b", other)

	_, ok = s.Other("c")
	assert.False(t, ok)
}

func TestUploadStateCompleteAndProgress(t *testing.T) {
	var u = &UploadState{TotalChunks: 4, UploadedChunks: NewIntSet(0, 1)}
	assert.False(t, u.Complete())
	assert.Equal(t, 50, u.Progress())

	u.UploadedChunks.Add(2)
	u.UploadedChunks.Add(3)
	assert.True(t, u.Complete())
	assert.Equal(t, 100, u.Progress())
}

func TestUploadStateProgressWithZeroTotalChunks(t *testing.T) {
	var u = &UploadState{}
	assert.Equal(t, 0, u.Progress())
}

func TestNodeIsStale(t *testing.T) {
	var now = time.Now()
	var n = &Node{LastHeartbeat: now.Add(-31 * time.Second)}
	assert.True(t, n.IsStale(now, 10*time.Second))

	n.LastHeartbeat = now.Add(-5 * time.Second)
	assert.False(t, n.IsStale(now, 10*time.Second))
}

func TestStrSetOperations(t *testing.T) {
	var s = NewStrSet("a", "b")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))

	s.Add("c")
	assert.True(t, s.Has("c"))

	s.Remove("a")
	assert.False(t, s.Has("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, s.Slice())
}

func TestIntSetOperations(t *testing.T) {
	var s = NewIntSet(1, 2)
	assert.True(t, s.Has(1))
	assert.False(t, s.Has(3))

	s.Add(3)
	assert.ElementsMatch(t, []int{1, 2, 3}, s.Slice())
}

func TestNewShareIDIsUniquePerCall(t *testing.T) {
	var now = time.Now()
	var a = NewShareID(now)
	var b = NewShareID(now)
	assert.NotEqual(t, a, b, "two ids minted in the same millisecond should still differ")
}
