package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(t *testing.T, handler http.HandlerFunc, cfg FetcherConfig) *APIFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg.BaseURL = srv.URL + "/api/"
	return NewAPIFetcher(NewClient(DefaultConfig(), logger), cfg, logger)
}

func TestAPIFetcher_Fetch(t *testing.T) {
	var gotPath, gotAuth string
	f := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"OperatorID":1}]`))
	}, FetcherConfig{Headers: map[string]string{"Authorization": "Bearer x"}})

	resp, err := f.Fetch(context.Background(), "/operators")
	require.NoError(t, err)
	assert.Equal(t, "/api/operators", gotPath)
	assert.Equal(t, "Bearer x", gotAuth)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[{"OperatorID":1}]`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestAPIFetcher_StatusError(t *testing.T) {
	f := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}, FetcherConfig{})

	_, err := f.Fetch(context.Background(), "plants")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "http_503", se.Code())
	assert.Equal(t, "down", se.Body)
}

func TestAPIFetcher_Cancelled(t *testing.T) {
	f := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}, FetcherConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, "plants")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIFetcher_URL(t *testing.T) {
	f := NewAPIFetcher(nil, FetcherConfig{BaseURL: "https://example.test/api/"}, nil)
	assert.Equal(t, "https://example.test/api/plants/34/issues", f.URL("/plants/34/issues"))
}
