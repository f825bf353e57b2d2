package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/feedrefresh/internal/metrics"
)

const defaultConcurrency = 5

// Scheduler fans refreshes out over many feeds with bounded concurrency.
type Scheduler struct {
	refresher   *Refresher
	concurrency int
	logger      *slog.Logger
}

// NewScheduler creates a scheduler running at most concurrency refreshes at once.
func NewScheduler(refresher *Refresher, concurrency int, logger *slog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{refresher: refresher, concurrency: concurrency, logger: logger}
}

// FeedsDueNow returns the ids of feeds eligible for a scheduled refresh,
// limited to userID's feeds when userID is not empty.
func (s *Scheduler) FeedsDueNow(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.refresher.repo.ListDueFeedIDs(ctx, s.refresher.now(), userID)
	if err != nil {
		return nil, fmt.Errorf("listing due feeds: %w", err)
	}
	return ids, nil
}

// RefreshMany refreshes every id and returns exactly one result per id, in
// input order. A failing feed never affects the others. Once ctx is done no
// new refresh is started; the remaining ids are reported as failed while the
// refreshes already in flight run to completion.
func (s *Scheduler) RefreshMany(ctx context.Context, ids []string, force bool) []Result {
	results := make([]Result, len(ids))
	if len(ids) == 0 {
		return results
	}
	start := time.Now()
	metrics.RecordBatch(len(ids))

	// In-flight refreshes are not cancelled together with the batch.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			results[i] = failed(id, "", fmt.Errorf("batch cancelled: %w", err))
			continue
		}
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("feed refresh panicked", "feed_id", id, "panic", p)
					results[i] = failed(id, "", fmt.Errorf("refresh panicked: %v", p))
				}
			}()
			results[i] = s.refresher.Refresh(workCtx, id, force)
			// Failures live in the result.
			return nil
		})
	}
	g.Wait()

	sum := Summarize(results)
	s.logger.Info("batch refresh complete",
		"feeds", len(ids),
		"refreshed", sum.Refreshed,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"new_articles", sum.NewArticles,
		"duration", time.Since(start),
	)
	return results
}
