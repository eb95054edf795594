package seapi

import (
	"sync"
	"time"

	"github.com/roach88/seapi/internal/clock"
)

// Timekeeper is the device clock seen by the log chain.
//
// It reads a base clock and applies the offset installed by the last time
// update. The time-set flag only lives in memory: every process start
// begins with the time unset.
type Timekeeper struct {
	base clock.Clock

	mu     sync.RWMutex
	offset time.Duration
	set    bool
}

var _ clock.Clock = (*Timekeeper)(nil)

// NewTimekeeper wraps base with an unset time.
func NewTimekeeper(base clock.Clock) *Timekeeper {
	return &Timekeeper{base: base}
}

// Now returns the base time shifted by the installed offset.
func (tk *Timekeeper) Now() time.Time {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	return tk.base.Now().Add(tk.offset).UTC()
}

// SyncVariant returns the variant of the base clock.
func (tk *Timekeeper) SyncVariant() clock.SyncVariant {
	return tk.base.SyncVariant()
}

// IsSet reports whether the time was updated since start.
func (tk *Timekeeper) IsSet() bool {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	return tk.set
}

type timeState struct {
	offset time.Duration
	set    bool
}

// update sets the device time to t and returns the previous state.
func (tk *Timekeeper) update(t time.Time) timeState {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	prev := timeState{offset: tk.offset, set: tk.set}
	tk.offset = t.Sub(tk.base.Now())
	tk.set = true
	return prev
}

// synced marks the base clock as authoritative and returns the previous state.
func (tk *Timekeeper) synced() timeState {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	prev := timeState{offset: tk.offset, set: tk.set}
	tk.offset = 0
	tk.set = true
	return prev
}

func (tk *Timekeeper) restore(s timeState) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.offset = s.offset
	tk.set = s.set
}
