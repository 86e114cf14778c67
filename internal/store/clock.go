package store

import "sync/atomic"

// Clock is the store's logical commit clock. Every commit that changes
// anything takes the next sequence number and stamps it as the version of
// each object it wrote, so versions increase strictly across commits.
type Clock struct {
	seq atomic.Int64
}

func NewClock() *Clock { return &Clock{} }

// NewClockAt resumes a clock after the given sequence, as when reopening a
// persisted store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new sequence number.
func (c *Clock) Next() int64 { return c.seq.Add(1) }

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 { return c.seq.Load() }
