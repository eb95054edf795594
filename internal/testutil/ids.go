package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator returns "test-archive-0001", "test-archive-0002", ... in order.
//
// This enables golden comparison of export manifests, which otherwise embed
// a UUIDv7 archive id.
//
// Thread-safety: FixedIDGenerator is safe for concurrent use via internal mutex.
type FixedIDGenerator struct {
	mu  sync.Mutex
	seq int
}

// NewFixedIDGenerator creates a generator starting at 1.
func NewFixedIDGenerator() *FixedIDGenerator {
	return &FixedIDGenerator{}
}

// Generate returns the next id.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("test-archive-%04d", g.seq)
}
