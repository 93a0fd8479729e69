package engine

import "sync/atomic"

// Clock hands out the sequence numbers stamped on ops as they are
// submitted. Seq order is submission order across goroutines, which is the
// order the Run loop applies them in. Safe for concurrent use.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock whose first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose first stamp is after+1, for resuming a
// sequence across engine restarts.
func NewClockAt(after int64) *Clock {
	c := &Clock{}
	c.last.Store(after)
	return c
}

// Next returns a fresh stamp.
func (c *Clock) Next() int64 {
	return c.last.Add(1)
}

// Last returns the most recent stamp, or the starting point if none was
// handed out.
func (c *Clock) Last() int64 {
	return c.last.Load()
}
