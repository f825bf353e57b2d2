package database

import "time"

// FeedStatus is the scheduling state of a feed.
type FeedStatus string

const (
	StatusActive   FeedStatus = "ACTIVE"
	StatusError    FeedStatus = "ERROR"
	StatusDisabled FeedStatus = "DISABLED"
)

// Feed represents a subscribed source together with its scheduling fields.
type Feed struct {
	ID          string
	UserID      string
	URL         string
	Title       string
	Description string
	Link        string
	ImageURL    string

	// Cache validators echoed back on the next conditional fetch.
	ETag         string
	LastModified string

	Status          FeedStatus
	ErrorCount      int
	ErrorMessage    *string
	NextFetchAt     *time.Time // nil means eligible immediately
	LastRefreshedAt *time.Time
	LastEntryAt     *time.Time
	CreatedAt       time.Time
}

// FeedUpdate is a partial update of a feed row. Nil fields are left untouched.
// A non-nil ErrorMessage pointing at "" clears the stored message.
type FeedUpdate struct {
	Title        *string
	Description  *string
	Link         *string
	ImageURL     *string
	ETag         *string
	LastModified *string

	Status          *FeedStatus
	ErrorCount      *int
	ErrorMessage    *string
	NextFetchAt     *time.Time
	LastRefreshedAt *time.Time
	LastEntryAt     *time.Time
}

// IsEmpty reports whether the update would not change anything.
func (u FeedUpdate) IsEmpty() bool {
	return u == FeedUpdate{}
}

// Article is one ingested feed entry. GUID is unique per feed.
type Article struct {
	ID          string
	FeedID      string
	GUID        string
	Title       string
	Link        string
	Content     string
	Snippet     string
	Author      string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalFeeds    int
	ActiveFeeds   int
	ErrorFeeds    int
	DisabledFeeds int
	DueFeeds      int
	TotalArticles int
}
