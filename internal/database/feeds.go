package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const feedColumns = `id, user_id, url, title, description, link, image_url, etag, last_modified,
	status, error_count, error_message, next_fetch_at, last_refreshed_at, last_entry_at, created_at`

// CreateFeed subscribes userID to feedURL. The new feed is ACTIVE with no
// errors and becomes due after firstPollDelay.
func (db *DB) CreateFeed(ctx context.Context, userID, feedURL, title string, now time.Time, firstPollDelay time.Duration) (*Feed, error) {
	next := now.Add(firstPollDelay)
	f := &Feed{
		ID:          uuid.NewString(),
		UserID:      userID,
		URL:         feedURL,
		Title:       title,
		Status:      StatusActive,
		NextFetchAt: &next,
		CreatedAt:   now.UTC(),
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO feeds (id, user_id, url, title, status, error_count, next_fetch_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		f.ID, f.UserID, f.URL, f.Title, string(f.Status), toMillis(f.NextFetchAt), f.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s", ErrFeedExists, feedURL)
		}
		return nil, fmt.Errorf("inserting feed: %w", err)
	}
	return f, nil
}

// GetFeed returns a single feed by ID, or nil if it does not exist.
func (db *DB) GetFeed(ctx context.Context, feedID string) (*Feed, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
	f, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFeeds returns the feeds owned by userID, or every feed when userID is empty.
func (db *DB) ListFeeds(ctx context.Context, userID string) ([]Feed, error) {
	query := "SELECT " + feedColumns + " FROM feeds"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at, id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// ListDueFeedIDs returns ACTIVE feeds whose next_fetch_at is unset or not
// after now, optionally restricted to one user. Never-polled feeds come first.
func (db *DB) ListDueFeedIDs(ctx context.Context, now time.Time, userID string) ([]string, error) {
	query := `SELECT id FROM feeds
		WHERE status = ? AND (next_fetch_at IS NULL OR next_fetch_at <= ?)`
	args := []any{string(StatusActive), now.UTC().UnixMilli()}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY next_fetch_at, id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateFeed applies the non-nil fields of u to the feed in a single statement.
func (db *DB) UpdateFeed(ctx context.Context, feedID string, u FeedUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	var updates []string
	var args []any

	set := func(column string, value any) {
		updates = append(updates, column+" = ?")
		args = append(args, value)
	}

	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Description != nil {
		set("description", *u.Description)
	}
	if u.Link != nil {
		set("link", *u.Link)
	}
	if u.ImageURL != nil {
		set("image_url", *u.ImageURL)
	}
	if u.ETag != nil {
		set("etag", *u.ETag)
	}
	if u.LastModified != nil {
		set("last_modified", *u.LastModified)
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.ErrorCount != nil {
		set("error_count", *u.ErrorCount)
	}
	if u.ErrorMessage != nil {
		if *u.ErrorMessage == "" {
			set("error_message", nil)
		} else {
			set("error_message", *u.ErrorMessage)
		}
	}
	if u.NextFetchAt != nil {
		set("next_fetch_at", toMillis(u.NextFetchAt))
	}
	if u.LastRefreshedAt != nil {
		set("last_refreshed_at", toMillis(u.LastRefreshedAt))
	}
	if u.LastEntryAt != nil {
		set("last_entry_at", toMillis(u.LastEntryAt))
	}

	args = append(args, feedID)
	query := fmt.Sprintf("UPDATE feeds SET %s WHERE id = ?", strings.Join(updates, ", "))
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating feed %s: %w", feedID, err)
	}
	return nil
}

// ResetFeed returns a feed to ACTIVE with a clean error state, eligible
// immediately. It reports false if the feed does not exist.
func (db *DB) ResetFeed(ctx context.Context, feedID string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE feeds SET status = ?, error_count = 0, error_message = NULL, next_fetch_at = NULL
		WHERE id = ?`,
		string(StatusActive), feedID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetStats returns feed and article counts as of now.
func (db *DB) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	s := &Stats{}
	err := db.conn.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(status = 'ACTIVE'), 0),
		COALESCE(SUM(status = 'ERROR'), 0),
		COALESCE(SUM(status = 'DISABLED'), 0),
		COALESCE(SUM(status = 'ACTIVE' AND (next_fetch_at IS NULL OR next_fetch_at <= ?)), 0)
		FROM feeds`, now.UTC().UnixMilli(),
	).Scan(&s.TotalFeeds, &s.ActiveFeeds, &s.ErrorFeeds, &s.DisabledFeeds, &s.DueFeeds)
	if err != nil {
		return nil, err
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles").Scan(&s.TotalArticles); err != nil {
		return nil, err
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(row scanner) (*Feed, error) {
	var f Feed
	var status string
	var errMsg sql.NullString
	var next, refreshed, lastEntry sql.NullInt64
	var created int64
	if err := row.Scan(&f.ID, &f.UserID, &f.URL, &f.Title, &f.Description, &f.Link, &f.ImageURL,
		&f.ETag, &f.LastModified, &status, &f.ErrorCount, &errMsg,
		&next, &refreshed, &lastEntry, &created); err != nil {
		return nil, err
	}
	f.Status = FeedStatus(status)
	if errMsg.Valid {
		f.ErrorMessage = &errMsg.String
	}
	f.NextFetchAt = fromMillis(next)
	f.LastRefreshedAt = fromMillis(refreshed)
	f.LastEntryAt = fromMillis(lastEntry)
	f.CreatedAt = time.UnixMilli(created).UTC()
	return &f, nil
}
