// Package trans provides the transaction-side collaborators of the versioned
// page store: a monotonic timestamp source, the checkpoint clock, and
// lightweight transaction records carrying the birth timestamp, isolation
// level, and concurrent-transaction snapshot that the store consults when it
// resolves which version of a page a transaction should see.
package trans

import (
	"sync"
	"sync/atomic"
)

// ───────────────────────────────────────────────────────────────────────────
// Timestamps
// ───────────────────────────────────────────────────────────────────────────

// Timestamp is a value drawn from the store-wide monotonic clock. Every block
// carries the timestamp of its last modification; transactions carry the
// timestamp of their birth.
type Timestamp uint64

// IllegalTimestamp marks an unassigned or unknown timestamp.
const IllegalTimestamp Timestamp = ^Timestamp(0)

// IsIllegal reports whether t has never been assigned.
func (t Timestamp) IsIllegal() bool { return t == IllegalTimestamp }

// Clock hands out strictly increasing timestamps. A single Clock is shared by
// the transaction manager and the checkpoint service of one store.
type Clock struct {
	v atomic.Uint64
}

// NewClock returns a clock whose first assigned value is start+1.
func NewClock(start Timestamp) *Clock {
	c := &Clock{}
	c.v.Store(uint64(start))
	return c
}

// Assign returns the next timestamp.
func (c *Clock) Assign() Timestamp {
	return Timestamp(c.v.Add(1))
}

// Peek returns the most recently assigned timestamp without advancing.
func (c *Clock) Peek() Timestamp {
	return Timestamp(c.v.Load())
}

// Advance moves the clock forward so that the next assignment is > t.
// Used when mounting a file whose blocks carry timestamps from a previous
// process lifetime.
func (c *Clock) Advance(t Timestamp) {
	for {
		cur := c.v.Load()
		if cur >= uint64(t) || c.v.CompareAndSwap(cur, uint64(t)) {
			return
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Checkpoint clock
// ───────────────────────────────────────────────────────────────────────────

// CheckpointClock records the completion timestamps of the two most recent
// checkpoints. The store never initiates checkpoints; it only reads these two
// values to drive the multiplex protocol and lazy reclamation.
type CheckpointClock struct {
	mu     sync.RWMutex
	first  Timestamp // most recent checkpoint completion
	second Timestamp // the one before it
}

// NewCheckpointClock returns a clock with both epochs at zero, the state of a
// freshly created store.
func NewCheckpointClock() *CheckpointClock {
	return &CheckpointClock{}
}

// MostRecent returns the completion timestamp of the latest checkpoint.
func (c *CheckpointClock) MostRecent() Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.first
}

// SecondMostRecent returns the completion timestamp of the checkpoint before
// the latest one.
func (c *CheckpointClock) SecondMostRecent() Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.second
}

// Completed records that a checkpoint finished at t. The previous most-recent
// value rotates into the second slot.
func (c *CheckpointClock) Completed(t Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.second = c.first
	c.first = t
}
