package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "feeds and articles",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS feeds (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    link TEXT NOT NULL DEFAULT '',
    image_url TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK(status IN ('ACTIVE', 'ERROR', 'DISABLED')),
    error_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    next_fetch_at INTEGER,
    last_refreshed_at INTEGER,
    last_entry_at INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE (user_id, url)
);

CREATE TABLE IF NOT EXISTS articles (
    id TEXT PRIMARY KEY,
    feed_id TEXT NOT NULL REFERENCES feeds(id),
    guid TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    link TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    published_at INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE (feed_id, guid)
);

CREATE INDEX IF NOT EXISTS idx_feeds_user ON feeds(user_id);
CREATE INDEX IF NOT EXISTS idx_articles_feed ON articles(feed_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "due index and refresh attempts",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_feeds_due ON feeds(status, next_fetch_at);

CREATE TABLE IF NOT EXISTS refresh_attempts (
    user_id TEXT PRIMARY KEY,
    last_attempt_at INTEGER NOT NULL
);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
