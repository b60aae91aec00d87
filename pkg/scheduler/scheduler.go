// Package scheduler provides named, cancelable periodic timers. Each key
// owns at most one active timer; re-registering a key replaces the prior
// timer, and callbacks for a key run serialized on a single goroutine.
package scheduler

import (
	"sync"
	"time"

	"github.com/MuuuShin/lagrange-go/pkg/logger"
)

// Key identifies a timer. Callers should declare a closed set of
// constants rather than building keys at runtime.
type Key string

type timer struct {
	mu       sync.Mutex
	canceled bool
	stop     chan struct{}
}

func (t *timer) cancel() {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	t.mu.Unlock()
	close(t.stop)
}

// dead reports whether the timer was canceled. Checked under the timer
// mutex before every callback so a cancel observed from the callback's
// own goroutine happens-before the next invocation.
func (t *timer) dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

type Scheduler struct {
	mu       sync.Mutex
	timers   map[Key]*timer
	disposed bool
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[Key]*timer)}
}

// Interval registers fn to run every period under key, replacing any
// timer already registered under the same key. A disposed scheduler
// ignores new registrations.
func (s *Scheduler) Interval(key Key, period time.Duration, fn func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		logger.WarnCF("scheduler", "interval on disposed scheduler ignored", map[string]any{"key": string(key)})
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.cancel()
	}
	t := &timer{stop: make(chan struct{})}
	s.timers[key] = t
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if t.dead() {
					return
				}
				fn()
			}
		}
	}()
}

// Cancel stops the timer registered under key. Canceling an unknown key
// is a no-op. After Cancel returns, no new callback for the key starts.
func (s *Scheduler) Cancel(key Key) {
	s.mu.Lock()
	t, ok := s.timers[key]
	if ok {
		delete(s.timers, key)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Active reports whether a timer is registered under key.
func (s *Scheduler) Active(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Dispose cancels every timer and shuts the scheduler down for good.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[Key]*timer)
	s.disposed = true
	s.mu.Unlock()

	for _, t := range timers {
		t.cancel()
	}
}
