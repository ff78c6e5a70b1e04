package cli

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create logger", err)
			}

			store, err := database.Connect(cmd.Context(), cfg.Database(), logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to connect", err)
			}
			defer store.Close()

			a := app.New(cfg, logger, Version)
			a.DB = store
			if err := a.Migrate(); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			return Print(cmd.OutOrStdout(), opts.Format, map[string]string{"status": "migrated"})
		},
	}
}
