// Package escalation re-notifies staff about tickets left unclaimed past a
// delay, and broadcasts unclaimed-ticket summaries on state changes.
package escalation

import (
	"sync"
	"time"
)

// Scheduler keeps at most one pending timer per staff audience tier. The fire
// callback runs on a timer goroutine; the caller is expected to serialize it
// with its other ticket mutations.
type Scheduler struct {
	mu           sync.Mutex
	now          func() time.Time
	urgentDelay  time.Duration
	defaultDelay time.Duration
	fire         func(tier string)
	slots        map[string]*slot
}

type slot struct {
	timer    *time.Timer
	deadline time.Time
}

func NewScheduler(urgentDelay, defaultDelay time.Duration, now func() time.Time, fire func(tier string)) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:          now,
		urgentDelay:  urgentDelay,
		defaultDelay: defaultDelay,
		fire:         fire,
		slots:        make(map[string]*slot),
	}
}

// Observe reconciles the tier's timer with the current unclaimed condition:
// arm when newly unclaimed, pull a pending timer in when an urgent ticket
// appears (never push one out), cancel when nothing is unclaimed.
func (s *Scheduler) Observe(tier string, unclaimed, urgent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[tier]
	if !unclaimed {
		if sl != nil {
			sl.timer.Stop()
			delete(s.slots, tier)
		}
		return
	}
	delay := s.defaultDelay
	if urgent {
		delay = s.urgentDelay
	}
	if sl == nil {
		s.arm(tier, delay)
		return
	}
	if urgent && sl.deadline.Sub(s.now()) > s.urgentDelay {
		sl.timer.Stop()
		delete(s.slots, tier)
		s.arm(tier, s.urgentDelay)
	}
}

// Cancel clears the tier's pending timer, if any.
func (s *Scheduler) Cancel(tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[tier]; sl != nil {
		sl.timer.Stop()
		delete(s.slots, tier)
	}
}

// Pending reports whether a timer is armed for the tier.
func (s *Scheduler) Pending(tier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[tier] != nil
}

// Deadline returns the pending fire time for the tier, zero when none.
func (s *Scheduler) Deadline(tier string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl := s.slots[tier]; sl != nil {
		return sl.deadline
	}
	return time.Time{}
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tier, sl := range s.slots {
		sl.timer.Stop()
		delete(s.slots, tier)
	}
}

func (s *Scheduler) arm(tier string, delay time.Duration) {
	s.slots[tier] = &slot{
		timer:    time.AfterFunc(delay, func() { s.fired(tier) }),
		deadline: s.now().Add(delay),
	}
}

func (s *Scheduler) fired(tier string) {
	s.mu.Lock()
	// clear the slot first so the callback can re-arm
	delete(s.slots, tier)
	s.mu.Unlock()
	s.fire(tier)
}
