// Package refresh runs feed refresh cycles: one feed at a time through the
// Refresher, many feeds at once through the Scheduler, and interactive
// requests through the Gate.
package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/collect"
	"github.com/TobiSchelling/feedrefresh/internal/database"
	"github.com/TobiSchelling/feedrefresh/internal/metrics"
	"github.com/TobiSchelling/feedrefresh/internal/policy"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxItems     = 20
)

// Repository is the storage the refresher needs. *database.DB implements it.
type Repository interface {
	GetFeed(ctx context.Context, feedID string) (*database.Feed, error)
	ListDueFeedIDs(ctx context.Context, now time.Time, userID string) ([]string, error)
	ListArticleGUIDs(ctx context.Context, feedID string) ([]string, error)
	InsertArticles(ctx context.Context, articles []database.Article) (int, error)
	UpdateFeed(ctx context.Context, feedID string, u database.FeedUpdate) error
}

// Parser fetches and parses a feed document. *collect.Fetcher implements it.
type Parser interface {
	Fetch(ctx context.Context, req collect.Request) (*collect.Result, error)
}

// Options configures a Refresher. Zero values fall back to defaults.
type Options struct {
	Policy        policy.Policy
	FetchTimeout  time.Duration
	MaxItems      int
	SnippetLength int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Refresher performs a single refresh cycle for one feed.
type Refresher struct {
	repo          Repository
	parser        Parser
	policy        policy.Policy
	fetchTimeout  time.Duration
	maxItems      int
	snippetLength int
	logger        *slog.Logger
	now           func() time.Time
}

// NewRefresher creates a refresher over repo and parser.
func NewRefresher(repo Repository, parser Parser, opts Options) *Refresher {
	r := &Refresher{
		repo:          repo,
		parser:        parser,
		policy:        opts.Policy,
		fetchTimeout:  opts.FetchTimeout,
		maxItems:      opts.MaxItems,
		snippetLength: opts.SnippetLength,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if r.policy == (policy.Policy{}) {
		r.policy = policy.Default()
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}
	if r.maxItems <= 0 {
		r.maxItems = defaultMaxItems
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Refresh runs one cycle for feedID. It never returns an error: every failure
// is reported through the Result.
func (r *Refresher) Refresh(ctx context.Context, feedID string, force bool) Result {
	start := time.Now()
	res := r.refresh(ctx, feedID, force)

	outcome := metrics.OutcomeUpdated
	switch {
	case res.Skipped:
		outcome = metrics.OutcomeSkipped
	case !res.Success:
		outcome = metrics.OutcomeFailed
	case res.NotModified:
		outcome = metrics.OutcomeNotModified
	}
	elapsed := time.Since(start)
	metrics.RecordRefresh(outcome, res.NewArticles, elapsed.Seconds())

	attrs := []any{"feed_id", feedID, "outcome", outcome, "new_articles", res.NewArticles, "duration", elapsed}
	if !res.Success && !res.Skipped {
		r.logger.Warn("feed refresh failed", append(attrs, "error", res.Error)...)
	} else {
		r.logger.Debug("feed refreshed", attrs...)
	}
	return res
}

func (r *Refresher) refresh(ctx context.Context, feedID string, force bool) Result {
	feed, err := r.repo.GetFeed(ctx, feedID)
	if err != nil {
		return failed(feedID, "", fmt.Errorf("loading feed: %w", err))
	}
	if feed == nil {
		return failed(feedID, "", ErrFeedNotFound)
	}

	now := r.now()
	if !r.policy.IsDue(feed, now, force) {
		res := failed(feed.ID, feed.Title, ErrNotDue)
		res.Skipped = true
		return res
	}

	fetched, err := r.parser.Fetch(ctx, collect.Request{
		URL:          feed.URL,
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
		Timeout:      r.fetchTimeout,
	})
	if err != nil {
		var fe *collect.FetchError
		if errors.As(err, &fe) {
			metrics.RecordFetchError(string(fe.Kind))
		} else {
			metrics.RecordFetchError("other")
		}
		return r.recordFailure(ctx, feed, now, err)
	}

	if fetched.NotModified {
		u := r.policy.OnNotModified(now).Update()
		mergeValidators(&u, fetched)
		u.LastRefreshedAt = &now
		if err := r.repo.UpdateFeed(ctx, feed.ID, u); err != nil {
			return failed(feed.ID, feed.Title, fmt.Errorf("updating feed: %w", err))
		}
		return Result{FeedID: feed.ID, Title: feed.Title, Success: true, NotModified: true}
	}
	if fetched.Feed == nil {
		return r.recordFailure(ctx, feed, now, errors.New("parser returned no feed"))
	}

	u := database.FeedUpdate{}
	title := reconcileMetadata(&u, feed, fetched.Feed)

	inserted, lastEntry, err := r.reconcileArticles(ctx, feed, fetched.Feed, now)
	if err != nil {
		return r.recordFailure(ctx, feed, now, err)
	}

	t := r.policy.OnSuccess(now).Update()
	u.Status, u.ErrorCount, u.ErrorMessage, u.NextFetchAt = t.Status, t.ErrorCount, t.ErrorMessage, t.NextFetchAt
	mergeValidators(&u, fetched)
	u.LastRefreshedAt = &now
	if lastEntry != nil && (feed.LastEntryAt == nil || lastEntry.After(*feed.LastEntryAt)) {
		u.LastEntryAt = lastEntry
	}

	if err := r.repo.UpdateFeed(ctx, feed.ID, u); err != nil {
		res := failed(feed.ID, title, fmt.Errorf("updating feed: %w", err))
		res.NewArticles = inserted
		return res
	}
	return Result{FeedID: feed.ID, Title: title, Success: true, NewArticles: inserted}
}

// recordFailure applies the failure transition. The write is best effort:
// when storage itself is failing the original error is still reported.
func (r *Refresher) recordFailure(ctx context.Context, feed *database.Feed, now time.Time, cause error) Result {
	t := r.policy.OnFailure(feed, now, cause.Error())
	if err := r.repo.UpdateFeed(ctx, feed.ID, t.Update()); err != nil {
		r.logger.Error("recording feed failure", "feed_id", feed.ID, "error", err)
	}
	if t.Status != database.StatusActive && feed.Status == database.StatusActive {
		r.logger.Warn("feed moved to error status", "feed_id", feed.ID, "url", feed.URL, "error_count", t.ErrorCount)
	}
	return failed(feed.ID, feed.Title, cause)
}

// reconcileArticles stores the entries of parsed that the feed does not have
// yet and returns how many were inserted together with the newest publish
// date across every parsed entry, including those the parser left out.
func (r *Refresher) reconcileArticles(ctx context.Context, feed *database.Feed, parsed *collect.ParsedFeed, now time.Time) (int, *time.Time, error) {
	lastEntry := parsed.LatestPublished
	for _, item := range parsed.Items {
		if item.PublishedAt != nil && (lastEntry == nil || item.PublishedAt.After(*lastEntry)) {
			t := *item.PublishedAt
			lastEntry = &t
		}
	}

	guids, err := r.repo.ListArticleGUIDs(ctx, feed.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("listing articles: %w", err)
	}
	seen := make(map[string]bool, len(guids))
	for _, g := range guids {
		seen[g] = true
	}

	items := parsed.Items
	if len(items) > r.maxItems {
		items = items[:r.maxItems]
	}

	var articles []database.Article
	for _, item := range items {
		guid := EntryGUID(item)
		if seen[guid] {
			continue
		}
		seen[guid] = true

		snippet := item.ContentSnippet
		if snippet == "" && item.Content != "" {
			snippet = collect.Snippet(item.Content, item.Link, r.snippetLength)
		}
		articles = append(articles, database.Article{
			FeedID:      feed.ID,
			GUID:        guid,
			Title:       item.Title,
			Link:        item.Link,
			Content:     item.Content,
			Snippet:     snippet,
			Author:      item.Author,
			PublishedAt: item.PublishedAt,
			CreatedAt:   now,
		})
	}
	if len(articles) == 0 {
		return 0, lastEntry, nil
	}

	inserted, err := r.repo.InsertArticles(ctx, articles)
	if err != nil {
		return 0, nil, fmt.Errorf("inserting articles: %w", err)
	}
	return inserted, lastEntry, nil
}

// EntryGUID returns the feed-scoped identity of an entry: its guid, else its
// link, else a hash of title, publish date and content.
func EntryGUID(item collect.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	published := ""
	if item.PublishedAt != nil {
		published = item.PublishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(item.Title + "|" + published + "|" + item.Content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// reconcileMetadata sets on u the metadata fields the source reports with a
// non-empty value different from the stored one, and returns the resulting title.
func reconcileMetadata(u *database.FeedUpdate, feed *database.Feed, parsed *collect.ParsedFeed) string {
	title := feed.Title
	if parsed.Title != "" && parsed.Title != feed.Title {
		title = parsed.Title
		u.Title = &parsed.Title
	}
	if parsed.Description != "" && parsed.Description != feed.Description {
		u.Description = &parsed.Description
	}
	if parsed.Link != "" && parsed.Link != feed.Link {
		u.Link = &parsed.Link
	}
	if parsed.ImageURL != "" && parsed.ImageURL != feed.ImageURL {
		u.ImageURL = &parsed.ImageURL
	}
	return title
}

func mergeValidators(u *database.FeedUpdate, res *collect.Result) {
	if res.ETag != "" {
		etag := res.ETag
		u.ETag = &etag
	}
	if res.LastModified != "" {
		lm := res.LastModified
		u.LastModified = &lm
	}
}
