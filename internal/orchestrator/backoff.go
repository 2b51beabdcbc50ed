package orchestrator

import (
	"sync"
	"time"
)

// Backoff tracks restart attempts per agent inside a sliding window and
// derives exponentially growing delays. An agent that keeps crashing stops
// being restarted once it exhausts the window's attempt budget.
type Backoff struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
	window      time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewBackoff creates a Backoff. Zero values fall back to sane defaults:
// 2s base, 1m cap, 5 attempts per 10 minute window.
func NewBackoff(base, cap time.Duration, maxAttempts int, window time.Duration) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Backoff{
		base:        base,
		cap:         cap,
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow reports whether the agent has restart budget left in the window.
func (b *Backoff) Allow(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pruneLocked(agentID)) < b.maxAttempts
}

// Record notes a restart attempt for the agent.
func (b *Backoff) Record(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[agentID] = append(b.pruneLocked(agentID), time.Now())
}

// NextDelay returns the wait before the agent's next restart: base doubled
// once per recorded attempt in the window, capped.
func (b *Backoff) NextDelay(agentID string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pruneLocked(agentID))
	d := b.base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.cap {
			return b.cap
		}
	}
	return d
}

// Reset forgets the agent's attempt history. Called on explicit kill so a
// deliberate stop-start cycle begins with a clean budget.
func (b *Backoff) Reset(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, agentID)
}

// pruneLocked drops attempts older than the window and returns the rest.
// Caller holds b.mu.
func (b *Backoff) pruneLocked(agentID string) []time.Time {
	cutoff := time.Now().Add(-b.window)
	kept := b.attempts[agentID][:0]
	for _, t := range b.attempts[agentID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(b.attempts, agentID)
		return nil
	}
	b.attempts[agentID] = kept
	return kept
}
