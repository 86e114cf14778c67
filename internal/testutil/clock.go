package testutil

import "sync"

// Sequence hands out increasing integers. The scripted connection uses it
// to assign server ids; RequestIDs uses it to number requests.
//
// Thread-safety: all methods are safe for concurrent use.
type Sequence struct {
	mu    sync.Mutex
	start int64
	n     int64
}

// NewSequence creates a sequence whose first Next returns start+1.
func NewSequence(start int64) *Sequence {
	return &Sequence{start: start, n: start}
}

// Next advances and returns the sequence.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

// Current returns the last value handed out, or start.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset rewinds the sequence to its start.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = s.start
}
