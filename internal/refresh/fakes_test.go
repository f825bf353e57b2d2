package refresh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/collect"
	"github.com/TobiSchelling/feedrefresh/internal/database"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func ptr[T any](v T) *T { return &v }

// memRepo is an in-memory Repository.
type memRepo struct {
	mu       sync.Mutex
	feeds    map[string]*database.Feed
	articles map[string][]database.Article
	updates  int

	getErr    error
	listErr   error
	insertErr error
	updateErr error
}

func newMemRepo(feeds ...*database.Feed) *memRepo {
	r := &memRepo{
		feeds:    make(map[string]*database.Feed),
		articles: make(map[string][]database.Article),
	}
	for _, f := range feeds {
		r.feeds[f.ID] = f
	}
	return r
}

func (r *memRepo) GetFeed(ctx context.Context, feedID string) (*database.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	f, ok := r.feeds[feedID]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (r *memRepo) ListDueFeedIDs(ctx context.Context, now time.Time, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, f := range r.feeds {
		if userID != "" && f.UserID != userID {
			continue
		}
		if f.Status != database.StatusActive {
			continue
		}
		if f.NextFetchAt == nil || !f.NextFetchAt.After(now) {
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepo) ListArticleGUIDs(ctx context.Context, feedID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var guids []string
	for _, a := range r.articles[feedID] {
		guids = append(guids, a.GUID)
	}
	return guids, nil
}

func (r *memRepo) InsertArticles(ctx context.Context, articles []database.Article) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	inserted := 0
	for _, a := range articles {
		dup := false
		for _, existing := range r.articles[a.FeedID] {
			if existing.GUID == a.GUID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		r.articles[a.FeedID] = append(r.articles[a.FeedID], a)
		inserted++
	}
	return inserted, nil
}

func (r *memRepo) UpdateFeed(ctx context.Context, feedID string, u database.FeedUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	f, ok := r.feeds[feedID]
	if !ok {
		return errors.New("no such feed")
	}
	r.updates++
	if u.Title != nil {
		f.Title = *u.Title
	}
	if u.Description != nil {
		f.Description = *u.Description
	}
	if u.Link != nil {
		f.Link = *u.Link
	}
	if u.ImageURL != nil {
		f.ImageURL = *u.ImageURL
	}
	if u.ETag != nil {
		f.ETag = *u.ETag
	}
	if u.LastModified != nil {
		f.LastModified = *u.LastModified
	}
	if u.Status != nil {
		f.Status = *u.Status
	}
	if u.ErrorCount != nil {
		f.ErrorCount = *u.ErrorCount
	}
	if u.ErrorMessage != nil {
		if *u.ErrorMessage == "" {
			f.ErrorMessage = nil
		} else {
			f.ErrorMessage = ptr(*u.ErrorMessage)
		}
	}
	if u.NextFetchAt != nil {
		f.NextFetchAt = ptr(*u.NextFetchAt)
	}
	if u.LastRefreshedAt != nil {
		f.LastRefreshedAt = ptr(*u.LastRefreshedAt)
	}
	if u.LastEntryAt != nil {
		f.LastEntryAt = ptr(*u.LastEntryAt)
	}
	return nil
}

func (r *memRepo) feed(id string) database.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.feeds[id]
}

func (r *memRepo) guids(feedID string) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool)
	for _, a := range r.articles[feedID] {
		set[a.GUID] = true
	}
	return set
}

// scriptParser answers fetches from per-URL functions.
type scriptParser struct {
	mu       sync.Mutex
	handlers map[string]func(collect.Request) (*collect.Result, error)
	calls    []collect.Request
}

func newScriptParser() *scriptParser {
	return &scriptParser{handlers: make(map[string]func(collect.Request) (*collect.Result, error))}
}

func (p *scriptParser) on(url string, fn func(collect.Request) (*collect.Result, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[url] = fn
}

func (p *scriptParser) Fetch(ctx context.Context, req collect.Request) (*collect.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.handlers[req.URL]
	p.mu.Unlock()
	if fn == nil {
		return nil, &collect.FetchError{Kind: collect.KindStatus, URL: req.URL, StatusCode: 404}
	}
	return fn(req)
}

func (p *scriptParser) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func serve(feed *collect.ParsedFeed, etag string) func(collect.Request) (*collect.Result, error) {
	return func(collect.Request) (*collect.Result, error) {
		return &collect.Result{Feed: feed, ETag: etag}, nil
	}
}

func activeFeed(id, url string) *database.Feed {
	return &database.Feed{
		ID:        id,
		UserID:    "user-1",
		URL:       url,
		Title:     "Feed " + id,
		Status:    database.StatusActive,
		CreatedAt: testNow.Add(-24 * time.Hour),
	}
}

func items(guids ...string) []collect.Item {
	var out []collect.Item
	for i, g := range guids {
		published := testNow.Add(-time.Duration(len(guids)-i) * time.Hour)
		out = append(out, collect.Item{
			Title:       "Post " + g,
			Link:        "https://example.com/" + g,
			GUID:        g,
			Content:     "<p>Body of " + g + "</p>",
			PublishedAt: &published,
		})
	}
	return out
}
