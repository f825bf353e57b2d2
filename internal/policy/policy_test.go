package policy

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/database"
)

var now = time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)

func TestIsDue(t *testing.T) {
	p := Default()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		feed  database.Feed
		force bool
		want  bool
	}{
		{"active never polled", database.Feed{Status: database.StatusActive}, false, true},
		{"active past", database.Feed{Status: database.StatusActive, NextFetchAt: &past}, false, true},
		{"active exactly now", database.Feed{Status: database.StatusActive, NextFetchAt: &now}, false, true},
		{"active future", database.Feed{Status: database.StatusActive, NextFetchAt: &future}, false, false},
		{"error past", database.Feed{Status: database.StatusError, NextFetchAt: &past}, false, false},
		{"disabled never polled", database.Feed{Status: database.StatusDisabled}, false, false},
		{"forced future", database.Feed{Status: database.StatusActive, NextFetchAt: &future}, true, true},
		{"forced error", database.Feed{Status: database.StatusError, NextFetchAt: &future}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsDue(&tt.feed, now, tt.force); got != tt.want {
				t.Errorf("IsDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDueProperties(t *testing.T) {
	p := Default()

	// ACTIVE with next fetch in the past (offset minutes back) is always due.
	activePast := func(offset uint16) bool {
		at := now.Add(-time.Duration(offset) * time.Minute)
		f := &database.Feed{Status: database.StatusActive, NextFetchAt: &at}
		return p.IsDue(f, now, false)
	}
	if err := quick.Check(activePast, nil); err != nil {
		t.Error(err)
	}

	// Non-ACTIVE is never due without force, wherever next fetch lies.
	inactive := func(offset int32, disabled, unset bool) bool {
		status := database.StatusError
		if disabled {
			status = database.StatusDisabled
		}
		f := &database.Feed{Status: status}
		if !unset {
			at := now.Add(time.Duration(offset) * time.Second)
			f.NextFetchAt = &at
		}
		return !p.IsDue(f, now, false)
	}
	if err := quick.Check(inactive, nil); err != nil {
		t.Error(err)
	}
}

func TestRetryDelaySequence(t *testing.T) {
	p := Default()
	want := []time.Duration{15, 30, 60, 60, 60, 60, 60, 60, 60, 60, 60}
	for i, w := range want {
		count := i + 1
		if got := p.RetryDelay(count); got != w*time.Minute {
			t.Errorf("RetryDelay(%d) = %s, want %s", count, got, w*time.Minute)
		}
	}
	if got := p.RetryDelay(0); got != 15*time.Minute {
		t.Errorf("RetryDelay(0) = %s, want 15m", got)
	}
}

func TestRetryDelayNeverExceedsCap(t *testing.T) {
	p := Default()
	f := func(count uint16) bool {
		d := p.RetryDelay(int(count))
		return d >= p.BackoffBase && d <= p.BackoffCap
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestRetryDelayExponentCap(t *testing.T) {
	p := Policy{BackoffBase: time.Minute, BackoffCap: 24 * time.Hour, MaxExponent: 3, DisableAfter: 10}
	if got := p.RetryDelay(4); got != 8*time.Minute {
		t.Errorf("RetryDelay(4) = %s, want 8m", got)
	}
	if got := p.RetryDelay(50); got != 8*time.Minute {
		t.Errorf("RetryDelay(50) = %s, want 8m (exponent capped)", got)
	}
}

func TestOnFailureRepeated(t *testing.T) {
	p := Default()
	for n := 1; n <= 25; n++ {
		f := &database.Feed{Status: database.StatusActive}
		var tr Transition
		for i := 0; i < n; i++ {
			tr = p.OnFailure(f, now, "boom")
			f.ErrorCount = tr.ErrorCount
			f.Status = tr.Status
		}
		if tr.ErrorCount != n {
			t.Errorf("after %d failures expected count %d, got %d", n, n, tr.ErrorCount)
		}
		wantStatus := database.StatusActive
		if n >= 10 {
			wantStatus = database.StatusError
		}
		if tr.Status != wantStatus {
			t.Errorf("after %d failures expected %s, got %s", n, wantStatus, tr.Status)
		}
		if tr.ErrorMessage != "boom" {
			t.Errorf("expected message 'boom', got %q", tr.ErrorMessage)
		}
	}
}

func TestOnFailureAtThreshold(t *testing.T) {
	p := Default()
	f := &database.Feed{Status: database.StatusActive, ErrorCount: 9}
	tr := p.OnFailure(f, now, "timeout")

	if tr.ErrorCount != 10 {
		t.Errorf("expected count 10, got %d", tr.ErrorCount)
	}
	if tr.Status != database.StatusError {
		t.Errorf("expected ERROR, got %s", tr.Status)
	}
	if !tr.NextFetchAt.Equal(now.Add(60 * time.Minute)) {
		t.Errorf("expected retry 60m out, got %s", tr.NextFetchAt.Sub(now))
	}
}

func TestSuccessAfterFailuresResets(t *testing.T) {
	p := Default()
	f := func(k uint8) bool {
		feed := &database.Feed{Status: database.StatusActive}
		for i := 0; i < int(k); i++ {
			tr := p.OnFailure(feed, now, "err")
			feed.ErrorCount, feed.Status = tr.ErrorCount, tr.Status
		}
		tr := p.OnSuccess(now)
		return tr.ErrorCount == 0 && tr.Status == database.StatusActive &&
			tr.ErrorMessage == "" && tr.NextFetchAt.Equal(now.Add(p.Interval))
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestOnNotModifiedMatchesSuccess(t *testing.T) {
	p := Default()
	if p.OnNotModified(now) != p.OnSuccess(now) {
		t.Error("expected not-modified transition to equal success transition")
	}
}

func TestTransitionUpdate(t *testing.T) {
	tr := Default().OnSuccess(now)
	u := tr.Update()
	if u.Status == nil || *u.Status != database.StatusActive {
		t.Error("expected status in update")
	}
	if u.ErrorCount == nil || *u.ErrorCount != 0 {
		t.Error("expected error count in update")
	}
	if u.ErrorMessage == nil || *u.ErrorMessage != "" {
		t.Error("expected error message to be cleared")
	}
	if u.NextFetchAt == nil || !u.NextFetchAt.Equal(now.Add(15*time.Minute)) {
		t.Error("expected next fetch in update")
	}
	if u.Title != nil || u.ETag != nil {
		t.Error("expected metadata fields untouched")
	}
}
