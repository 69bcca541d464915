package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BudgetWindow is the period over which AI token usage is counted.
const BudgetWindow = 30 * time.Minute

// sendLimiter allows perMinute sends per conversation.
type sendLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*rate.Limiter
}

func newSendLimiter(perMinute int) *sendLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &sendLimiter{perMinute: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (l *sendLimiter) Allow(conversationID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[conversationID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

type tokenUsage struct {
	start  time.Time
	tokens int
}

// tokenBudget tracks estimated AI tokens per conversation in fixed windows.
type tokenBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	usage  map[string]*tokenUsage
}

func newTokenBudget(limit int, window time.Duration) *tokenBudget {
	return &tokenBudget{limit: limit, window: window, now: time.Now, usage: make(map[string]*tokenUsage)}
}

// Within reports whether the conversation may still use the AI.
func (b *tokenBudget) Within(conversationID string) bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.current(conversationID)
	return u.tokens < b.limit
}

// Track adds tokens to the conversation's current window.
func (b *tokenBudget) Track(conversationID string, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current(conversationID).tokens += tokens
}

func (b *tokenBudget) current(conversationID string) *tokenUsage {
	now := b.now()
	u, ok := b.usage[conversationID]
	if !ok || now.Sub(u.start) >= b.window {
		u = &tokenUsage{start: now}
		b.usage[conversationID] = u
	}
	return u
}
