// Package hitl manages human-in-the-loop escalation cases: creation, the
// bounded grace timer, idempotent resolution, and the resolution bus that
// lets waiting flows learn a case was handled.
package hitl

import (
	"log/slog"
	"sync"
	"time"
)

type (
	// Clock provides the current time for grace deadlines.
	Clock func() time.Time

	// Timer is a one-shot grace timer. Stop reports whether it was stopped
	// before firing.
	Timer interface {
		Stop() bool
	}

	// TimerConstructor builds a timer that runs fn once after delay.
	TimerConstructor func(delay time.Duration, fn func()) Timer
)

// NewSystemTimer builds the default wall-clock timer.
func NewSystemTimer(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// timerEntry tracks one armed grace timer.
type timerEntry struct {
	timer     Timer
	armedAt   time.Time
	expiresAt time.Time
}

// CaseTimer arms at most one grace timer per escalation case. Arming a case
// that already has a timer replaces it. The clock and timer constructor are
// injectable so tests drive expiry without waiting on wall time.
type CaseTimer struct {
	clock     Clock
	makeTimer TimerConstructor

	mu     sync.Mutex
	timers map[string]*timerEntry
}

// TimerOption configures a CaseTimer.
type TimerOption func(*CaseTimer)

// WithTimerClock overrides the timer registry's time source.
func WithTimerClock(c Clock) TimerOption {
	return func(t *CaseTimer) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithTimerConstructor overrides how timers are built. Tests substitute a
// constructor that fires on demand.
func WithTimerConstructor(tc TimerConstructor) TimerOption {
	return func(t *CaseTimer) {
		if tc != nil {
			t.makeTimer = tc
		}
	}
}

// NewCaseTimer creates an empty timer registry backed by the system clock
// unless options say otherwise.
func NewCaseTimer(opts ...TimerOption) *CaseTimer {
	t := &CaseTimer{
		clock:     time.Now,
		makeTimer: NewSystemTimer,
		timers:    make(map[string]*timerEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Arm schedules fn to run after delay for the given case, replacing any
// previously armed timer. A delay of zero or less runs fn asynchronously
// right away.
func (t *CaseTimer) Arm(caseID string, delay time.Duration, fn func()) {
	if delay <= 0 {
		slog.Warn("CaseTimer.Arm: delay already elapsed, firing immediately", "caseID", caseID)
		go fn()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[caseID]; exists {
		entry.timer.Stop()
	}

	now := t.clock()
	timer := t.makeTimer(delay, func() {
		t.mu.Lock()
		delete(t.timers, caseID)
		t.mu.Unlock()
		slog.Debug("CaseTimer: grace timer fired", "caseID", caseID)
		fn()
	})
	t.timers[caseID] = &timerEntry{
		timer:     timer,
		armedAt:   now,
		expiresAt: now.Add(delay),
	}
	slog.Debug("CaseTimer.Arm: timer armed", "caseID", caseID, "delay", delay)
}

// Cancel stops the case's timer if one is armed. Canceling an unknown case
// is a no-op.
func (t *CaseTimer) Cancel(caseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, exists := t.timers[caseID]; exists {
		entry.timer.Stop()
		delete(t.timers, caseID)
		slog.Debug("CaseTimer.Cancel: timer canceled", "caseID", caseID)
	}
}

// Remaining reports the time left on a case's timer and whether one is armed.
func (t *CaseTimer) Remaining(caseID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.timers[caseID]
	if !exists {
		return 0, false
	}
	remaining := entry.expiresAt.Sub(t.clock())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Active returns how many timers are currently armed.
func (t *CaseTimer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every armed timer. Used at shutdown.
func (t *CaseTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, id)
	}
	slog.Debug("CaseTimer.Stop: all timers stopped")
}
