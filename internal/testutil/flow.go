package testutil

import "fmt"

// RequestIDs generates predictable request ids: "<prefix>-1", "<prefix>-2"
// and so on. It satisfies bridge.RequestIDGenerator and makes log output
// and errors comparable across runs.
type RequestIDs struct {
	prefix string
	seq    *Sequence
}

// NewRequestIDs creates a generator. An empty prefix means "req".
func NewRequestIDs(prefix string) *RequestIDs {
	if prefix == "" {
		prefix = "req"
	}
	return &RequestIDs{prefix: prefix, seq: NewSequence(0)}
}

// Generate returns the next id.
func (g *RequestIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Next())
}
