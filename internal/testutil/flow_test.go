package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDs(t *testing.T) {
	g := NewRequestIDs("")
	assert.Equal(t, "req-1", g.Generate())
	assert.Equal(t, "req-2", g.Generate())

	g = NewRequestIDs("sync")
	assert.Equal(t, "sync-1", g.Generate())
}
