package sequencer

import "sync/atomic"

// Counter tracks the last durably committed signature counter.
//
// Next only peeks; Advance moves the counter once the store has committed
// that value, so a failed commit leaves the counter where it was.
//
// Thread-safety: reads are safe for concurrent use (atomic operations).
// Next/Advance pairs must run under the Sequencer's commit lock.
type Counter struct {
	last atomic.Uint64
}

// NewCounterAt creates a counter whose last committed value is last.
// Used on open to resume from the durable chain head.
func NewCounterAt(last uint64) *Counter {
	c := &Counter{}
	c.last.Store(last)
	return c
}

// Next returns the counter the next commit will use without reserving it.
func (c *Counter) Next() uint64 {
	return c.last.Load() + 1
}

// Advance records n as committed. Returns false if n does not directly
// follow the current value.
func (c *Counter) Advance(n uint64) bool {
	return c.last.CompareAndSwap(n-1, n)
}

// Current returns the last committed counter.
func (c *Counter) Current() uint64 {
	return c.last.Load()
}

// Reset overwrites the last committed value, e.g. after re-reading the chain head.
func (c *Counter) Reset(last uint64) {
	c.last.Store(last)
}
