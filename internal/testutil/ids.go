package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates "prefix-1", "prefix-2", ... and never runs out.
//
// Unlike ids.FixedGenerator it needs no list up front, which suits
// scenarios whose id count depends on the flow taken.
//
// Thread-safety: safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs returns a generator for prefix. An empty prefix becomes
// "test".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "test"
	}
	return &SequenceIDs{prefix: prefix}
}

// Generate implements ids.Generator.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
