// Package policy decides when a feed may be polled and how its scheduling
// state changes after each refresh outcome. Nothing here performs I/O.
package policy

import (
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/database"
)

// Policy holds the scheduling constants.
type Policy struct {
	// Interval is the delay before the next poll after a successful cycle.
	Interval time.Duration
	// BackoffBase and BackoffCap bound the retry delay after failures.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxExponent caps the doubling: delay = base * 2^min(errors-1, MaxExponent).
	MaxExponent int
	// DisableAfter is the consecutive-failure count that parks a feed in ERROR.
	DisableAfter int
}

// Default returns the production policy: 15 minute interval, backoff of
// 15, 30, 60, 60... minutes, ERROR after 10 consecutive failures.
func Default() Policy {
	return Policy{
		Interval:     15 * time.Minute,
		BackoffBase:  15 * time.Minute,
		BackoffCap:   60 * time.Minute,
		MaxExponent:  5,
		DisableAfter: 10,
	}
}

// Transition is the new scheduling state computed for a feed.
type Transition struct {
	Status       database.FeedStatus
	ErrorCount   int
	ErrorMessage string // empty means no error
	NextFetchAt  time.Time
}

// Update converts the transition into a repository update. The error
// message is always written so that success clears any previous one.
func (t Transition) Update() database.FeedUpdate {
	status := t.Status
	count := t.ErrorCount
	msg := t.ErrorMessage
	next := t.NextFetchAt
	return database.FeedUpdate{
		Status:       &status,
		ErrorCount:   &count,
		ErrorMessage: &msg,
		NextFetchAt:  &next,
	}
}

// IsDue reports whether f may be refreshed at now. A forced refresh is always due.
func (p Policy) IsDue(f *database.Feed, now time.Time, force bool) bool {
	if force {
		return true
	}
	if f.Status != database.StatusActive {
		return false
	}
	return f.NextFetchAt == nil || !f.NextFetchAt.After(now)
}

// OnSuccess clears all error state and schedules the next poll one interval out.
func (p Policy) OnSuccess(now time.Time) Transition {
	return Transition{
		Status:      database.StatusActive,
		ErrorCount:  0,
		NextFetchAt: now.Add(p.Interval),
	}
}

// OnNotModified handles a 304 cycle. For scheduling it is a success.
func (p Policy) OnNotModified(now time.Time) Transition {
	return p.OnSuccess(now)
}

// OnFailure records one more consecutive failure for f and schedules a retry.
func (p Policy) OnFailure(f *database.Feed, now time.Time, errorMessage string) Transition {
	count := f.ErrorCount + 1
	status := database.StatusActive
	if count >= p.DisableAfter {
		status = database.StatusError
	}
	return Transition{
		Status:       status,
		ErrorCount:   count,
		ErrorMessage: errorMessage,
		NextFetchAt:  now.Add(p.RetryDelay(count)),
	}
}

// RetryDelay returns min(BackoffCap, BackoffBase * 2^min(errorCount-1, MaxExponent)).
// Counts below 1 are treated as 1.
func (p Policy) RetryDelay(errorCount int) time.Duration {
	exp := errorCount - 1
	if exp < 0 {
		exp = 0
	}
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}

	delay := p.BackoffBase
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	return min(delay, p.BackoffCap)
}
