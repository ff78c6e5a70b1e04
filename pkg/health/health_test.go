package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
)

func get(t *testing.T, e *echo.Echo, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestChecker_Routes(t *testing.T) {
	checker := NewChecker(testutil.NewDB(t), nil, "test")
	e := echo.New()
	checker.RegisterRoutes(e)

	code, body := get(t, e, "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test", body.Version)

	code, body = get(t, e, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, body.Checks["startup"].Status)

	checker.SetReady(true)
	code, body = get(t, e, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, body.Checks["database"].Status)
	assert.NotContains(t, body.Checks, "redis")
}

func TestChecker_NoDatabase(t *testing.T) {
	checker := NewChecker(nil, nil, "")
	e := echo.New()
	checker.RegisterRoutes(e)

	code, body := get(t, e, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, body.Status)
}
