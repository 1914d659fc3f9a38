package storage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler holds the single alarm timer of one engine.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(c clock.Clock) *Scheduler {
	return &Scheduler{clock: c}
}

// Clamp moves a time in the past up to now. Alarm times have millisecond
// precision.
func (s *Scheduler) Clamp(at time.Time) time.Time {
	if now := s.clock.Now(); at.Before(now) {
		at = now
	}
	return at.Truncate(time.Millisecond)
}

// Schedule replaces any pending timer with one that calls fire at at.
// A timer replaced or cancelled before it runs never calls fire.
func (s *Scheduler) Schedule(at time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.gen++
		s.mu.Unlock()
		fire()
	})
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// alarmState couples the scheduler with the stored alarm time of an engine.
type alarmState struct {
	sched   *Scheduler
	onAlarm func()
	// clear removes the stored alarm if it still equals at
	clear func(at time.Time) error
	log   func(err error)
}

// schedule arms the timer for an alarm already stored at at.
func (a *alarmState) schedule(at time.Time) {
	a.sched.Schedule(at, func() { a.fire(at) })
}

func (a *alarmState) fire(at time.Time) {
	if err := a.clear(at); err != nil {
		a.log(err)
	}
	a.onAlarm()
}
