// Package stopwatch provides a pausable wall-clock elapsed-time tracker.
package stopwatch

import (
	"sync"
	"time"
)

// Stopwatch accumulates elapsed wall-clock time across start/pause cycles.
// It derives elapsed time from clock deltas rather than tick counting, so it
// stays correct when the host is throttled or suspended between reads.
type Stopwatch struct {
	now func() time.Time

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	accumulated time.Duration
}

// New returns a stopped stopwatch. A nil now falls back to time.Now.
func New(now func() time.Time) *Stopwatch {
	if now == nil {
		now = time.Now
	}
	return &Stopwatch{now: now}
}

// Start begins or resumes accumulation. Starting a running stopwatch is a no-op.
func (s *Stopwatch) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startedAt = s.now()
}

// Pause freezes the accumulated total without resetting it.
func (s *Stopwatch) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.accumulated += s.now().Sub(s.startedAt)
	s.running = false
}

// Running reports whether the stopwatch is currently accumulating.
func (s *Stopwatch) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Elapsed returns the total accumulated duration including any open interval.
func (s *Stopwatch) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return s.accumulated
	}
	return s.accumulated + s.now().Sub(s.startedAt)
}
