package model

import (
	"testing"
	"time"

	. "gopkg.in/check.v1"
)

// Test hooks gocheck into `go test`; TestingT walks every registered Suite.
func Test(t *testing.T) { TestingT(t) }

type SetSuite struct{}

var _ = Suite(&SetSuite{})

func (s *SetSuite) TestStrSetSliceIsSorted(c *C) {
	set := NewStrSet("zebra", "alpha", "mid")
	c.Assert(set.Slice(), DeepEquals, []string{"alpha", "mid", "zebra"})
}

func (s *SetSuite) TestStrSetRemoveIsIdempotent(c *C) {
	set := NewStrSet("a")
	set.Remove("a")
	set.Remove("a")
	c.Assert(set.Has("a"), Equals, false)
	c.Assert(len(set), Equals, 0)
}

func (s *SetSuite) TestIntSetSliceIsSorted(c *C) {
	set := NewIntSet(3, 1, 2)
	c.Assert(set.Slice(), DeepEquals, []int{1, 2, 3})
}

func (s *SetSuite) TestNodeIsStaleBoundary(c *C) {
	now := time.Now()
	n := &Node{LastHeartbeat: now.Add(-30 * time.Second)}
	c.Assert(n.IsStale(now, 9*time.Second), Equals, true)
	c.Assert(n.IsStale(now, 10*time.Second), Equals, false)
}
