// Package server exposes the sync engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

const APIPrefix = "/api/v1"

type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger ectologger.Logger
}

// New builds the router over an opened App. verifier may be nil when authentication is disabled.
func New(a *app.App, verifier middleware.TokenVerifier) *Server {
	cfg := a.Config

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.Logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.Logger))

	a.Health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group(APIPrefix)
	if verifier != nil {
		api.Use(middleware.Authentication(a.Logger, verifier))
	}
	handlers.NewSyncHandler(a.Orchestrator).RegisterRoutes(api)
	handlers.NewQueryHandler(a.Query, a.Catalog, a.Errors).RegisterRoutes(api)
	handlers.NewSelectionHandler(a.Selections).RegisterRoutes(api)

	return &Server{
		echo: e,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      e,
			ReadTimeout:  cfg.HttpServerReadTimeout,
			WriteTimeout: cfg.HttpServerWriteTimeout,
			IdleTimeout:  cfg.HttpServerIdleTimeout,
		},
		logger: a.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
