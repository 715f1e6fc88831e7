package autosave

import (
	"sync/atomic"
	"time"
)

// RevisionClock stamps edits with strictly increasing revisions.
//
// Thread-safety: RevisionClock is safe for concurrent use (atomic operations).
type RevisionClock struct {
	seq atomic.Int64
}

// NewRevisionClock creates a clock starting at 0. The first Next returns 1.
func NewRevisionClock() *RevisionClock {
	return &RevisionClock{}
}

// NewRevisionClockAt creates a clock that resumes after start.
func NewRevisionClockAt(start int64) *RevisionClock {
	c := &RevisionClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next revision and increments the clock.
func (c *RevisionClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the latest revision handed out.
func (c *RevisionClock) Current() int64 {
	return c.seq.Load()
}

// Clock schedules the debounce and retry timers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d. The returned stop
	// function cancels the call and reports whether it did so before f ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
