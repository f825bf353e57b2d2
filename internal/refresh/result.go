package refresh

import "errors"

var (
	// ErrNotDue marks a feed that was skipped because it is not eligible yet.
	// Callers should not alert on it.
	ErrNotDue = errors.New("feed not due for refresh")
	// ErrFeedNotFound is reported when the requested feed does not exist.
	ErrFeedNotFound = errors.New("feed not found")
)

// Result is the outcome of one refresh cycle for one feed.
type Result struct {
	FeedID      string `json:"feed_id"`
	Title       string `json:"title,omitempty"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	NotModified bool   `json:"not_modified,omitempty"`
	NewArticles int    `json:"new_articles"`
	Error       string `json:"error,omitempty"`

	// Err carries the underlying error for errors.Is checks.
	Err error `json:"-"`
}

func failed(feedID, title string, err error) Result {
	return Result{FeedID: feedID, Title: title, Error: err.Error(), Err: err}
}

// Summary aggregates a batch of results for callers that only report counts.
type Summary struct {
	Refreshed   int `json:"refreshed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	NewArticles int `json:"new_articles"`
}

// Summarize counts successes, real failures and not-due skips in results.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r.Success:
			s.Refreshed++
		case r.Skipped:
			s.Skipped++
		default:
			s.Failed++
		}
		s.NewArticles += r.NewArticles
	}
	return s
}
