package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertArticles inserts articles in one transaction, silently skipping any
// whose (feed_id, guid) already exists. Returns the number actually inserted.
func (db *DB) InsertArticles(ctx context.Context, articles []Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin article insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO articles (id, feed_id, guid, title, link, content, snippet, author, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, guid) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("preparing article insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, a := range articles {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := a.CreatedAt
		if created.IsZero() {
			created = now
		}

		result, err := stmt.ExecContext(ctx, id, a.FeedID, a.GUID, a.Title, a.Link, a.Content,
			a.Snippet, a.Author, toMillis(a.PublishedAt), created.UTC().UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("inserting article %q: %w", a.GUID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit article insert: %w", err)
	}
	return inserted, nil
}

// ListArticleGUIDs returns every known guid for a feed.
func (db *DB) ListArticleGUIDs(ctx context.Context, feedID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT guid FROM articles WHERE feed_id = ?", feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guids []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		guids = append(guids, g)
	}
	return guids, rows.Err()
}

// GetArticlesForFeed returns a feed's articles, newest publish date first.
func (db *DB) GetArticlesForFeed(ctx context.Context, feedID string) ([]Article, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, feed_id, guid, title, link, content, snippet, author, published_at, created_at
		FROM articles WHERE feed_id = ? ORDER BY published_at DESC, created_at DESC`, feedID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		var a Article
		var published sql.NullInt64
		var created int64
		if err := rows.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.Link, &a.Content,
			&a.Snippet, &a.Author, &published, &created); err != nil {
			return nil, err
		}
		a.PublishedAt = fromMillis(published)
		a.CreatedAt = time.UnixMilli(created).UTC()
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
