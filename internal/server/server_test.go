package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

type staticVerifier struct{ token string }

func (v staticVerifier) Verify(_ context.Context, raw string) (middleware.UserClaims, error) {
	if raw != v.token {
		return middleware.UserClaims{}, errors.New("unknown token")
	}
	return middleware.UserClaims{Sub: "user-1", PreferredUsername: "ops"}, nil
}

func newServer(t *testing.T, verifier middleware.TokenVerifier) *Server {
	t.Helper()

	cfg := &config.Config{
		AppName:            "fern",
		Port:               3000,
		StartupMaxAttempts: 1,
		DatabaseDriver:     database.DriverSQLite,
		DatabaseName:       "fern",
		UpstreamBaseURL:    "http://localhost:1",
		UpstreamTimeout:    time.Second,
		FetchConcurrency:   1,
		SchedulerInterval:  time.Hour,
	}
	a := app.New(cfg, testutil.Logger(), "test")
	a.DB = testutil.NewDB(t)
	require.NoError(t, a.Open(context.Background()))
	return New(a, verifier)
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Routes(t *testing.T) {
	s := newServer(t, nil)

	rec := do(s, http.MethodGet, "/api/v1/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var types []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	assert.Contains(t, types, "operators")

	rec = do(s, http.MethodGet, "/api/v1/selections", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/entities/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Authentication(t *testing.T) {
	s := newServer(t, staticVerifier{token: "secret"})

	rec := do(s, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/runs", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/runs", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// health stays open
	rec = do(s, http.MethodGet, "/api/v1/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "healthy"))
}
