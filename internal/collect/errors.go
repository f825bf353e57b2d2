package collect

import (
	"fmt"
	"net/http"
)

// Kind classifies why a fetch failed.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindStatus  Kind = "status"
	KindParse   Kind = "parse"
)

// FetchError is returned by Fetcher.Fetch for every failure.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return "timeout"
	case KindStatus:
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case KindParse:
		return fmt.Sprintf("parse error: %v", e.Err)
	default:
		return fmt.Sprintf("network error: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
