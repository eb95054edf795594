package testutil

import (
	"sync"
	"time"

	"github.com/roach88/seapi/internal/clock"
)

// WallClock is a settable clock for tests.
//
// Unlike clock.System, WallClock only moves when Advance or Set is called,
// so log times and filenames are reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type WallClock struct {
	mu      sync.Mutex
	now     time.Time
	variant clock.SyncVariant
}

// Epoch is the default start time of a WallClock: 2023-11-14T22:13:20Z.
var Epoch = time.Unix(1700000000, 0).UTC()

// NewWallClock creates a clock at Epoch with the UnixTime variant.
func NewWallClock() *WallClock {
	return &WallClock{now: Epoch, variant: clock.UnixTime}
}

// Now returns the current test time.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SyncVariant returns the configured variant.
func (c *WallClock) SyncVariant() clock.SyncVariant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

// Advance moves the clock forward by d.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *WallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// SetVariant changes the reported sync variant.
func (c *WallClock) SetVariant(v clock.SyncVariant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variant = v
}
