// Package clock provides an injectable time source so phase pacing can be
// fast-forwarded in tests instead of sleeping real seconds.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time surface the engine needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// New returns the real clock.
func New() Clock { return Real{} }

// Fake is a manual clock for tests. After fires immediately and records the
// requested durations; Now advances by each elapsed wait.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	Waits   []time.Duration
}

// NewFake returns a fake clock starting at a fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.Waits = append(f.Waits, d)
	f.now = f.now.Add(d)
	fired := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}
