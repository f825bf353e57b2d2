package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TryRecordAttempt records an interactive refresh attempt by userID at now.
//
// Without force the record is only written when the previous attempt is at
// least interval old; the check and the write happen in one upsert, so two
// concurrent requests from the same user cannot both pass. When the attempt
// is refused, the stored previous attempt time is returned.
func (db *DB) TryRecordAttempt(ctx context.Context, userID string, now time.Time, interval time.Duration, force bool) (bool, time.Time, error) {
	nowMs := now.UTC().UnixMilli()

	if force {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO refresh_attempts (user_id, last_attempt_at) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET last_attempt_at = excluded.last_attempt_at`,
			userID, nowMs,
		)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("recording forced attempt: %w", err)
		}
		return true, time.Time{}, nil
	}

	cutoff := now.Add(-interval).UTC().UnixMilli()
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO refresh_attempts (user_id, last_attempt_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_attempt_at = excluded.last_attempt_at
		WHERE refresh_attempts.last_attempt_at <= ?`,
		userID, nowMs, cutoff,
	)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("recording attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, time.Time{}, err
	}
	if n > 0 {
		return true, time.Time{}, nil
	}

	var last int64
	if err := db.conn.QueryRowContext(ctx,
		"SELECT last_attempt_at FROM refresh_attempts WHERE user_id = ?", userID,
	).Scan(&last); err != nil {
		return false, time.Time{}, fmt.Errorf("reading last attempt: %w", err)
	}
	return false, time.UnixMilli(last).UTC(), nil
}

// LastAttempt returns the last recorded attempt for userID, if any.
func (db *DB) LastAttempt(ctx context.Context, userID string) (*time.Time, error) {
	var last int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT last_attempt_at FROM refresh_attempts WHERE user_id = ?", userID,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(last).UTC()
	return &t, nil
}
