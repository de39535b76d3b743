// Package fetcher retrieves source documents over HTTP.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Fetcher retrieves one document. Implementations make a single attempt;
// retry policy belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Document is a fetched page.
type Document struct {
	Body        []byte
	FinalURL    string
	ContentType string
	StatusCode  int
	Block       BlockType
	// Truncated is set when the body was cut at the configured size limit.
	Truncated   bool
}

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindConnection ErrorKind = "connection"
)

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFound reports whether the server said the page does not exist. The
// scheduler treats such pages like a page without offices.
func (e *FetchError) NotFound() bool {
	return e.Kind == KindHTTPStatus &&
		(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// Retryable reports whether another attempt at the same URL may succeed.
func (e *FetchError) Retryable() bool {
	return !e.NotFound()
}

// AsFetchError unwraps err into a *FetchError.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
