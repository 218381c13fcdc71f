package clock

import (
	"slices"
	"sync"
	"time"
)

// Scheduler runs a callback once at some later point. The returned cancel
// func prevents the callback if it has not started yet.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

const (
	DefaultFrameRate     = 44
	DefaultFrameFallback = 20 * time.Millisecond
)

// FrameScheduler fires on the next boundary of a fixed frame grid, but never
// later than Fallback. DMX refreshes at roughly 44 Hz so batching to the
// frame keeps at most one patch burst per refresh.
type FrameScheduler struct {
	Clock    Clock
	Rate     int
	Fallback time.Duration
}

func NewFrameScheduler(c Clock, rate int, fallback time.Duration) *FrameScheduler {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	if fallback <= 0 {
		fallback = DefaultFrameFallback
	}
	return &FrameScheduler{Clock: c, Rate: rate, Fallback: fallback}
}

func (s *FrameScheduler) Schedule(fn func()) func() {
	frame := time.Second / time.Duration(s.Rate)
	elapsed := time.Duration(s.Clock.Now().UnixNano()) % frame
	delay := frame - elapsed
	if delay > s.Fallback {
		delay = s.Fallback
	}
	t := s.Clock.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// TimerScheduler fires after a fixed delay. With a Fake clock and a zero
// delay the callback runs on the next Advance(0).
type TimerScheduler struct {
	Clock Clock
	Delay time.Duration
}

func NewTimerScheduler(c Clock, delay time.Duration) *TimerScheduler {
	if delay < 0 {
		delay = 0
	}
	return &TimerScheduler{Clock: c, Delay: delay}
}

func (s *TimerScheduler) Schedule(fn func()) func() {
	t := s.Clock.AfterFunc(s.Delay, fn)
	return func() { t.Stop() }
}

// ManualScheduler holds callbacks until RunPending is called.
type ManualScheduler struct {
	mu      sync.Mutex
	seq     int
	pending map[int]func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[int]func())}
}

func (s *ManualScheduler) Schedule(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.pending[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

// RunPending runs the callbacks scheduled so far, oldest first, and returns
// how many ran.
func (s *ManualScheduler) RunPending() int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.pending[id])
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (s *ManualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
