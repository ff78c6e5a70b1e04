package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// quietPrefixes are polled by orchestrators and scrapers; they log at debug.
var quietPrefixes = []string{"/api/v1/health", "/metrics"}

// Logger logs one line per request once the error handler has written the response.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()
			entry := logger.WithContext(ctx).WithFields(map[string]any{
				"request_id":  context.GetRequestID(ctx),
				"user_id":     context.GetUserID(ctx),
				"method":      req.Method,
				"route":       c.Path(),
				"status":      res.Status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       res.Size,
			})

			switch {
			case res.Status >= http.StatusInternalServerError:
				entry.Error("Request failed")
			case quiet(req.URL.Path):
				entry.Debug("Request")
			default:
				entry.Info("Request")
			}
			return nil
		}
	}
}

func quiet(path string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
