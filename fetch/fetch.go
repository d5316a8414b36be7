// Package fetch retrieves schedule and realtime feeds over HTTP,
// with conditional requests and retries.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Options struct {
	// Max body size in bytes. 0 means unlimited.
	MaxSize int

	// Per-attempt timeout.
	Timeout time.Duration

	// Number of retries after a failed attempt.
	Retries int

	// Delay before the first retry. Doubles on each subsequent
	// retry.
	Backoff time.Duration

	// Conditional request validators from a previous fetch.
	ETag         string
	LastModified string
}

type Result struct {
	Body         []byte
	ETag         string
	LastModified string

	// Set when the server answered 304. Body is empty in that
	// case.
	NotModified bool
}

// A thing capable of fetching a feed
type Fetcher interface {
	Fetch(ctx context.Context, url string, options Options) (*Result, error)
}

type HTTPFetcher struct{}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, options Options) (*Result, error) {
	backoff := options.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}

	var res *Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = httpGet(ctx, url, options)
		if err == nil {
			return res, nil
		}

		if attempt >= options.Retries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, err
}

func httpGet(ctx context.Context, url string, options Options) (*Result, error) {
	client := &http.Client{
		Timeout: options.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if options.ETag != "" {
		req.Header.Set("If-None-Match", options.ETag)
	}
	if options.LastModified != "" {
		req.Header.Set("If-Modified-Since", options.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			ETag:         options.ETag,
			LastModified: options.LastModified,
			NotModified:  true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if options.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, int64(options.MaxSize))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return &Result{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
