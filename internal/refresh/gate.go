package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/metrics"
)

const defaultUserInterval = 10 * time.Minute

// AttemptStore records interactive refresh attempts atomically.
// *database.DB implements it.
type AttemptStore interface {
	TryRecordAttempt(ctx context.Context, userID string, now time.Time, interval time.Duration, force bool) (bool, time.Time, error)
}

// Decision is the outcome of Gate.TryAcquire.
type Decision struct {
	Allowed           bool
	RetryAfter        time.Duration
	RetryAfterMinutes int
}

// Gate limits how often one user may trigger an interactive batch refresh.
type Gate struct {
	store    AttemptStore
	interval time.Duration
	now      func() time.Time
}

// NewGate creates a gate allowing one attempt per user per interval.
func NewGate(store AttemptStore, interval time.Duration, now func() time.Time) *Gate {
	if interval <= 0 {
		interval = defaultUserInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, interval: interval, now: now}
}

// TryAcquire records an attempt by userID if allowed. force always passes
// and still counts as the user's latest attempt. A denial carries the time
// left, rounded up to whole minutes and never below one.
func (g *Gate) TryAcquire(ctx context.Context, userID string, force bool) (Decision, error) {
	now := g.now()
	allowed, last, err := g.store.TryRecordAttempt(ctx, userID, now, g.interval, force)
	if err != nil {
		return Decision{}, fmt.Errorf("rate gate: %w", err)
	}
	metrics.RecordGate(allowed)
	if allowed {
		return Decision{Allowed: true}, nil
	}

	remaining := last.Add(g.interval).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return Decision{RetryAfter: remaining, RetryAfterMinutes: minutes}, nil
}
