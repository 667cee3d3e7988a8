// Package clocktest provides a clock for tests that never blocks.
package clocktest

import (
	"sync"
	"time"
)

// Stepping jumps forward by the requested duration whenever After is called
// and fires immediately. Every requested wait is recorded.
type Stepping struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func NewStepping(start time.Time) *Stepping {
	return &Stepping{now: start}
}

func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Stepping) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	if d > 0 {
		s.now = s.now.Add(d)
	}
	ch := make(chan time.Time, 1)
	ch <- s.now
	return ch
}

// Advance moves the clock without recording a wait.
func (s *Stepping) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Waits returns a copy of every duration passed to After.
func (s *Stepping) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.waits))
	copy(out, s.waits)
	return out
}
