package refresh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestGateDeniesWithinInterval(t *testing.T) {
	db := openTestDB(t)
	c := &clock{now: testNow}
	g := NewGate(db, 10*time.Minute, c.Now)
	ctx := context.Background()

	d, err := g.TryAcquire(ctx, "u1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first attempt to be allowed")
	}

	c.now = testNow.Add(3*time.Minute + 10*time.Second)
	d, err = g.TryAcquire(ctx, "u1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second attempt to be denied")
	}
	if d.RetryAfterMinutes != 7 {
		t.Errorf("expected 7 minutes remaining, got %d", d.RetryAfterMinutes)
	}

	// Other users are independent.
	if d, _ := g.TryAcquire(ctx, "u2", false); !d.Allowed {
		t.Error("expected another user to be allowed")
	}

	c.now = testNow.Add(10 * time.Minute)
	if d, _ := g.TryAcquire(ctx, "u1", false); !d.Allowed {
		t.Error("expected attempt after the interval to be allowed")
	}
}

func TestGateForceAlwaysAllowedAndRecorded(t *testing.T) {
	db := openTestDB(t)
	c := &clock{now: testNow}
	g := NewGate(db, 10*time.Minute, c.Now)
	ctx := context.Background()

	if d, _ := g.TryAcquire(ctx, "u1", false); !d.Allowed {
		t.Fatal("expected first attempt to be allowed")
	}

	c.now = testNow.Add(time.Minute)
	d, err := g.TryAcquire(ctx, "u1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected forced attempt to be allowed")
	}

	last, err := db.LastAttempt(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || !last.Equal(testNow.Add(time.Minute)) {
		t.Errorf("expected forced attempt recorded, got %v", last)
	}

	// The throttle now counts from the forced attempt.
	c.now = testNow.Add(10*time.Minute + 30*time.Second)
	d, _ = g.TryAcquire(ctx, "u1", false)
	if d.Allowed {
		t.Error("expected attempt within 10 minutes of the forced one to be denied")
	}
	if d.RetryAfterMinutes != 1 {
		t.Errorf("expected 1 minute remaining, got %d", d.RetryAfterMinutes)
	}
}

type staticStore struct {
	allowed bool
	last    time.Time
}

func (s staticStore) TryRecordAttempt(ctx context.Context, userID string, now time.Time, interval time.Duration, force bool) (bool, time.Time, error) {
	return s.allowed, s.last, nil
}

func TestGateRemainingNeverZero(t *testing.T) {
	// A denial exactly at the boundary still reports a positive wait.
	g := NewGate(staticStore{last: testNow.Add(-10 * time.Minute)}, 10*time.Minute, fixedClock)
	d, err := g.TryAcquire(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || d.RetryAfterMinutes != 1 {
		t.Errorf("expected denial with 1 minute, got %+v", d)
	}
}
