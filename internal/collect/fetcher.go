package collect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 10 << 20
)

// Request describes one conditional fetch.
type Request struct {
	URL          string
	ETag         string
	LastModified string
	// Timeout bounds the whole fetch including parsing. Zero uses the fetcher default.
	Timeout time.Duration
}

// Result is either NotModified or a parsed Feed, plus the validators the
// server returned for the next conditional request.
type Result struct {
	NotModified  bool
	Feed         *ParsedFeed
	ETag         string
	LastModified string
}

// Options configures a Fetcher.
type Options struct {
	Timeout         time.Duration
	UserAgent       string
	SnippetLength   int
	// MaxItems limits how many entries are normalized per document. Zero keeps all.
	MaxItems        int
	PerHostInterval time.Duration
	Client          *http.Client
	Logger          *slog.Logger
}

// Fetcher performs conditional HTTP fetches and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	client        *http.Client
	limiter       *HostLimiter
	timeout       time.Duration
	userAgent     string
	snippetLength int
	maxItems      int
	logger        *slog.Logger
}

// NewFetcher creates a new feed fetcher.
func NewFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		client:        opts.Client,
		timeout:       opts.Timeout,
		userAgent:     opts.UserAgent,
		snippetLength: opts.SnippetLength,
		maxItems:      opts.MaxItems,
		logger:        opts.Logger,
	}
	if f.client == nil {
		f.client = newHTTPClient()
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.userAgent == "" {
		f.userAgent = "feedrefresh/1.0"
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if opts.PerHostInterval > 0 {
		f.limiter = NewHostLimiter(opts.PerHostInterval)
	}
	return f
}

// Fetch retrieves req.URL, sending the cache validators when present. It
// never blocks longer than the timeout; failures are returned as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, req.URL); err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				return nil, &FetchError{Kind: KindNetwork, URL: req.URL, Err: err}
			}
			// The limiter refuses up front when the wait would outlast the deadline.
			return nil, &FetchError{Kind: KindTimeout, URL: req.URL, Err: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, req.URL, KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Debug("feed not modified", "url", req.URL)
		return &Result{
			NotModified:  true,
			ETag:         headerOr(resp, "ETag", req.ETag),
			LastModified: headerOr(resp, "Last-Modified", req.LastModified),
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: KindStatus, URL: req.URL, StatusCode: resp.StatusCode}
	}

	done := make(chan parseOutcome, 1)
	go func() {
		done <- f.parse(ctx, resp.Body)
	}()

	var out parseOutcome
	select {
	case <-ctx.Done():
		return nil, classify(ctx, req.URL, KindTimeout, ctx.Err())
	case out = <-done:
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, req.URL, KindTimeout, err)
	}
	if out.err != nil {
		return nil, classify(ctx, req.URL, KindParse, out.err)
	}

	return &Result{
		Feed:         out.feed,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

type parseOutcome struct {
	feed *ParsedFeed
	err  error
}

// parse decodes and normalizes body. Reads fail once ctx is done, so an
// abandoned parse stops at the next read.
func (f *Fetcher) parse(ctx context.Context, body io.Reader) parseOutcome {
	// gofeed parsers keep per-parse state; one per fetch keeps workers independent.
	parsed, err := gofeed.NewParser().Parse(&ctxReader{ctx: ctx, r: io.LimitReader(body, maxBodyBytes)})
	if err != nil {
		return parseOutcome{err: err}
	}
	return parseOutcome{feed: normalizeFeed(parsed, f.maxItems, f.snippetLength)}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// classify turns err into a FetchError, reporting a timeout when the
// fetch deadline is what stopped it.
func classify(ctx context.Context, feedURL string, kind Kind, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	return &FetchError{Kind: kind, URL: feedURL, Err: err}
}

func headerOr(resp *http.Response, name, fallback string) string {
	if v := resp.Header.Get(name); v != "" {
		return v
	}
	return fallback
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
}
