package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduler",
		Long: `Starts the HTTP API. When SCHEDULER_ENABLED is set, selection-driven syncs
run every SCHEDULER_INTERVAL with a full refresh every SCHEDULER_FULL_REFRESH_EVERY cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, opts, func(a *app.App) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	var verifier middleware.TokenVerifier
	if a.Config.AuthEnabled {
		v, err := middleware.NewOIDCVerifier(ctx, a.Config.AuthIssuerURL, a.Config.AuthClientID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create token verifier", err)
		}
		verifier = v
	}

	if a.Config.SchedulerEnabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}

	srv := server.New(a, verifier)
	errs := make(chan error, 1)
	go func() { errs <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Received signal, shutting down")
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(shutdownCtx); err != nil {
			a.Logger.WithError(err).Error("Failed to stop scheduler")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.WithError(err).Error("Failed to shut down HTTP server")
	}
	return serveErr
}
