package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/syncerr"
)

type staticVerifier struct {
	claims UserClaims
	err    error
}

func (v staticVerifier) Verify(context.Context, string) (UserClaims, error) {
	return v.claims, v.err
}

func newEcho(handler echo.HandlerFunc, mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(testutil.Logger())
	e.Use(Context())
	e.Use(mw...)
	e.GET("/", handler)
	return e
}

func TestError_Mapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"http error", httperror.NewHTTPError(http.StatusNotFound, "missing"), http.StatusNotFound},
		{"echo error", echo.NewHTTPError(http.StatusUnauthorized, "no"), http.StatusUnauthorized},
		{"configuration", syncerr.Configuration("unknown_entity_type", nil, "unknown"), http.StatusBadRequest},
		{"fetch", syncerr.Fetch("plants", "http_503", nil, "down"), http.StatusBadGateway},
		{"dependency", syncerr.DependencyMissing("issues", "missing_parent", nil, "no plant"), http.StatusConflict},
		{"merge over store error", syncerr.Merge("plants", "store", httperror.NewHTTPError(http.StatusInternalServerError, "failed to create run record"), "store"), http.StatusInternalServerError},
		{"cancelled merge", syncerr.Merge("plants", "cancelled", context.Canceled, "cancelled before commit"), http.StatusServiceUnavailable},
		{"cancelled store error", database.StoreError(context.Canceled, "failed to list run records"), http.StatusServiceUnavailable},
		{"wrapped http error", fmt.Errorf("loading: %w", httperror.NewHTTPError(http.StatusNotFound, "missing")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(func(echo.Context) error { return tt.err })
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(echo.HeaderXRequestID, "req-1")
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "req-1", body.RequestID)
		})
	}
}

func TestError_SyncErrorMeta(t *testing.T) {
	e := newEcho(func(echo.Context) error {
		inner := httperror.NewHTTPError(http.StatusNotFound, "plant not found")
		return fmt.Errorf("sync: %w", syncerr.DependencyMissing("issues", "missing_parent", inner, "plant 34 is not loaded"))
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusConflict, rec.Code, "the sync classification wins over the wrapped store status")
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(syncerr.TypeDependencyMissing), body.Meta["error_type"])
	assert.Equal(t, "missing_parent", body.Meta["error_code"])
	assert.Contains(t, body.Message, "plant 34 is not loaded")
}

func TestAuthentication(t *testing.T) {
	var seen string
	handler := func(c echo.Context) error {
		seen = appctx.GetInitiator(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}

	e := newEcho(handler, Authentication(testutil.Logger(), staticVerifier{claims: UserClaims{Sub: "abc", Email: "ops@example.com"}}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ops@example.com", seen)

	bad := newEcho(handler, Authentication(testutil.Logger(), staticVerifier{err: errors.New("expired")}))
	rec = httptest.NewRecorder()
	bad.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestContext_UserHeader(t *testing.T) {
	var seen string
	e := newEcho(func(c echo.Context) error {
		seen = appctx.GetInitiator(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, appctx.SystemUser, seen)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "alice")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)
}

func TestError_StoreErrorHidesCause(t *testing.T) {
	e := newEcho(func(echo.Context) error {
		return database.StoreError(errors.New("pq: relation \"run_records\" does not exist"), "failed to list run records")
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "failed to list run records")
	assert.NotContains(t, body.Message, "run_records")
}
