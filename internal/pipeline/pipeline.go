// Package pipeline wires the refresh engine to its triggers: the scheduled
// batch, interactive per-user refreshes and feed creation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/TobiSchelling/feedrefresh/internal/collect"
	"github.com/TobiSchelling/feedrefresh/internal/config"
	"github.com/TobiSchelling/feedrefresh/internal/database"
	"github.com/TobiSchelling/feedrefresh/internal/policy"
	"github.com/TobiSchelling/feedrefresh/internal/refresh"
)

// ErrInvalidURL is returned by AddFeed for URLs that cannot be polled.
var ErrInvalidURL = errors.New("feed url must be an absolute http(s) url")

// RateLimitedError is returned when the rate gate refuses an interactive refresh.
type RateLimitedError struct {
	RetryAfter        time.Duration
	RetryAfterMinutes int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("refresh rate limited, retry in %d minute(s)", e.RetryAfterMinutes)
}

// Result holds the outcome of one triggered batch.
type Result struct {
	refresh.Summary
	Results []refresh.Result `json:"results"`
}

func newResult(results []refresh.Result) *Result {
	return &Result{Summary: refresh.Summarize(results), Results: results}
}

// Pipeline connects the triggers to the refresh engine.
type Pipeline struct {
	cfg       *config.Config
	db        *database.DB
	refresher *refresh.Refresher
	scheduler *refresh.Scheduler
	gate      *refresh.Gate
	logger    *slog.Logger
}

// New creates a pipeline fetching feeds over HTTP.
func New(cfg *config.Config, db *database.DB, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := collect.NewFetcher(collect.Options{
		Timeout:         cfg.Refresh.FetchTimeout,
		UserAgent:       cfg.Fetcher.UserAgent,
		SnippetLength:   cfg.Fetcher.SnippetLength,
		MaxItems:        cfg.Refresh.MaxItems,
		PerHostInterval: cfg.Fetcher.PerHostInterval,
		Logger:          logger,
	})
	return NewWithParser(cfg, db, fetcher, logger)
}

// NewWithParser creates a pipeline using parser instead of the HTTP fetcher.
func NewWithParser(cfg *config.Config, db *database.DB, parser refresh.Parser, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	refresher := refresh.NewRefresher(db, parser, refresh.Options{
		Policy:        PolicyFromConfig(cfg),
		FetchTimeout:  cfg.Refresh.FetchTimeout,
		MaxItems:      cfg.Refresh.MaxItems,
		SnippetLength: cfg.Fetcher.SnippetLength,
		Logger:        logger,
	})
	return &Pipeline{
		cfg:       cfg,
		db:        db,
		refresher: refresher,
		scheduler: refresh.NewScheduler(refresher, cfg.Refresh.Concurrency, logger),
		gate:      refresh.NewGate(db, cfg.Refresh.UserInterval, nil),
		logger:    logger,
	}
}

// PolicyFromConfig builds the refresh policy from the refresh settings.
func PolicyFromConfig(cfg *config.Config) policy.Policy {
	r := cfg.Refresh
	return policy.Policy{
		Interval:     r.Interval,
		BackoffBase:  r.BackoffBase,
		BackoffCap:   r.BackoffCap,
		MaxExponent:  r.BackoffMaxExponent,
		DisableAfter: r.DisableAfter,
	}
}

// RunScheduled refreshes every feed that is due, across all users.
func (p *Pipeline) RunScheduled(ctx context.Context) (*Result, error) {
	ids, err := p.scheduler.FeedsDueNow(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		p.logger.Debug("no feeds due")
		return newResult(nil), nil
	}
	return newResult(p.scheduler.RefreshMany(ctx, ids, false)), nil
}

// RefreshForUser handles an interactive refresh by userID. feedIDs limits the
// batch to those feeds; when empty every due feed of the user is refreshed.
// A refusal by the rate gate is returned as *RateLimitedError.
func (p *Pipeline) RefreshForUser(ctx context.Context, userID string, feedIDs []string, force bool) (*Result, error) {
	decision, err := p.gate.TryAcquire(ctx, userID, force)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		p.logger.Info("interactive refresh rate limited", "user", userID, "retry_after_minutes", decision.RetryAfterMinutes)
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter, RetryAfterMinutes: decision.RetryAfterMinutes}
	}

	if len(feedIDs) == 0 {
		ids, err := p.scheduler.FeedsDueNow(ctx, userID)
		if err != nil {
			return nil, err
		}
		return newResult(p.scheduler.RefreshMany(ctx, ids, force)), nil
	}

	owned, err := p.ownedFeedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var allowed []string
	foreign := make(map[int]refresh.Result)
	for i, id := range feedIDs {
		if owned[id] {
			allowed = append(allowed, id)
			continue
		}
		foreign[i] = refresh.Result{FeedID: id, Error: refresh.ErrFeedNotFound.Error(), Err: refresh.ErrFeedNotFound}
	}

	refreshed := p.scheduler.RefreshMany(ctx, allowed, force)
	results := make([]refresh.Result, 0, len(feedIDs))
	next := 0
	for i := range feedIDs {
		if r, ok := foreign[i]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, refreshed[next])
		next++
	}
	return newResult(results), nil
}

func (p *Pipeline) ownedFeedIDs(ctx context.Context, userID string) (map[string]bool, error) {
	feeds, err := p.db.ListFeeds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	owned := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		owned[f.ID] = true
	}
	return owned, nil
}

// AddFeed subscribes userID to feedURL and runs its first refresh right away.
// An empty title is derived from the URL host. The feed is kept even when the
// first refresh fails; the failure is reported in the returned result.
func (p *Pipeline) AddFeed(ctx context.Context, userID, feedURL, title string) (*database.Feed, refresh.Result, error) {
	feedURL = strings.TrimSpace(feedURL)
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !validHost(u.Hostname()) {
		return nil, refresh.Result{}, fmt.Errorf("%w: %q", ErrInvalidURL, feedURL)
	}
	if strings.TrimSpace(title) == "" {
		title = collect.ExtractSourceName(feedURL)
	}

	feed, err := p.db.CreateFeed(ctx, userID, feedURL, title, time.Now(), p.cfg.Refresh.FirstPollDelay)
	if err != nil {
		return nil, refresh.Result{}, err
	}
	p.logger.Info("feed added", "user", userID, "feed_id", feed.ID, "url", feedURL)

	if _, err := p.gate.TryAcquire(ctx, userID, true); err != nil {
		p.logger.Warn("recording refresh attempt", "user", userID, "error", err)
	}
	res := p.refresher.Refresh(ctx, feed.ID, true)

	stored, err := p.db.GetFeed(ctx, feed.ID)
	if err != nil || stored == nil {
		return feed, res, nil
	}
	return stored, res, nil
}

// validHost rejects empty hosts and hosts with an empty label such as ".com".
func validHost(host string) bool {
	return host != "" && !slices.Contains(strings.Split(host, "."), "")
}

// Loop runs the scheduled refresh now and then every interval until ctx is done.
func (p *Pipeline) Loop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %s", every)
	}
	p.logger.Info("refresh loop started", "every", every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := p.RunScheduled(ctx); err != nil {
			p.logger.Error("scheduled refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("refresh loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
