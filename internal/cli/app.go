package cli

import (
	"context"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/logging"
)

// openApp loads configuration and starts every dependency. Callers own Close.
func openApp(ctx context.Context, opts *RootOptions) (*app.App, error) {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
	}

	a := app.New(cfg, logger, Version)
	if err := a.Open(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, WrapExitError(ExitCommandError, "failed to start", err)
	}
	return a, nil
}

// withApp opens the app, runs fn and closes the app after pending background work finished.
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app.App) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		a.Orchestrator.Wait()
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			a.Logger.WithError(closeErr).Error("Failed to close")
		}
	}()
	return fn(a)
}
