package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Fetcher retrieves one endpoint path relative to the upstream API.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*Response, error)
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d", e.URL, e.StatusCode)
}

// Code renders the status as a short error code, e.g. "http_503".
func (e *StatusError) Code() string {
	return fmt.Sprintf("http_%d", e.StatusCode)
}

type FetcherConfig struct {
	BaseURL string
	Headers map[string]string
	// RequestsPerSecond throttles upstream calls across all units. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// APIFetcher fetches paths from the configured base URL.
type APIFetcher struct {
	client  *Client
	cfg     FetcherConfig
	limiter *rate.Limiter
	logger  ectologger.Logger
}

func NewAPIFetcher(client *Client, cfg FetcherConfig, logger ectologger.Logger) *APIFetcher {
	f := &APIFetcher{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return f
}

// URL joins path onto the base URL.
func (f *APIFetcher) URL(path string) string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Fetch GETs path. Transport failures and non-2xx statuses are errors; the body of a failed
// response is kept on the StatusError.
func (f *APIFetcher) Fetch(ctx context.Context, path string) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "httpclient.APIFetcher.Fetch")
	defer span.End()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	headers := map[string]string{"Accept": "application/json"}
	for k, v := range f.cfg.Headers {
		headers[k] = v
	}

	url := f.URL(path)
	resp, err := f.client.Get(ctx, url, headers)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		err := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		tracing.Fail(span, err)
		f.logger.WithContext(ctx).WithFields(map[string]any{"url": url, "status": resp.StatusCode}).Warn("Upstream returned an error status")
		return resp, err
	}

	return resp, nil
}
