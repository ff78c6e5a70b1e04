package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
)

func NewRunsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run records",
	}

	var filter models.RunFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				runs, err := a.Query.GetRunHistory(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return Print(cmd.OutOrStdout(), opts.Format, runs)
			})
		},
	}
	list.Flags().StringVar(&filter.EntityType, "entity", "", "entity type")
	list.Flags().StringVar(&filter.Status, "status", "", "running, success, failed or no_data")
	list.Flags().StringVar(&filter.BatchID, "batch", "", "batch id")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				run, err := a.Query.GetRun(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to get run", err)
				}
				return Print(cmd.OutOrStdout(), opts.Format, run)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func NewErrorsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect the error log",
	}

	var (
		filter models.ErrorFilter
		since  time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List logged errors, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				cutoff := time.Now().Add(-since)
				filter.Since = &cutoff
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				errs, err := a.Query.GetErrorLog(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return Print(cmd.OutOrStdout(), opts.Format, errs)
			})
		},
	}
	list.Flags().StringVar(&filter.RunID, "run", "", "run id")
	list.Flags().StringVar(&filter.EntityType, "entity", "", "entity type")
	list.Flags().StringVar(&filter.ErrorType, "type", "", "error type")
	list.Flags().DurationVar(&since, "since", 0, "only errors newer than this, e.g. 24h")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")

	cmd.AddCommand(list)
	return cmd
}
