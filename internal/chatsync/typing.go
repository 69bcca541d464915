package chatsync

import (
	"sync"
	"time"
)

// DefaultTypingQuiet is how long the counterpart stays "typing" after its
// last heartbeat.
const DefaultTypingQuiet = 3 * time.Second

// TypingIndicator tracks whether the counterpart is typing. Each Observe
// moves the deadline to at+quiet; the indicator reports idle once the
// deadline passes without another event.
type TypingIndicator struct {
	mu       sync.Mutex
	quiet    time.Duration
	deadline time.Time
	active   bool
	gen      uint64
	timer    *time.Timer
	onChange func(active bool)
}

// NewTypingIndicator returns an idle indicator. onChange may be nil; it is
// called without internal locks held.
func NewTypingIndicator(quiet time.Duration, onChange func(active bool)) *TypingIndicator {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &TypingIndicator{quiet: quiet, onChange: onChange}
}

// Observe records a typing heartbeat received at at.
func (t *TypingIndicator) Observe(at time.Time) {
	t.mu.Lock()
	t.deadline = at.Add(t.quiet)
	t.gen++
	gen := t.gen
	became := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, func() { t.expire(gen) })
	t.mu.Unlock()

	if became && t.onChange != nil {
		t.onChange(true)
	}
}

// Reset returns the indicator to idle immediately.
func (t *TypingIndicator) Reset() {
	t.mu.Lock()
	t.gen++
	was := t.active
	t.active = false
	t.deadline = time.Time{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if was && t.onChange != nil {
		t.onChange(false)
	}
}

// Stop cancels the pending expiry without notifying.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Active reports the timer-driven state.
func (t *TypingIndicator) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ActiveAt reports whether the counterpart counts as typing at instant at,
// judged only by the heartbeat deadline.
func (t *TypingIndicator) ActiveAt(at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.deadline.IsZero() && at.Before(t.deadline)
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(false)
	}
}
