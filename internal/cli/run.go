package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
)

type RunOptions struct {
	*RootOptions
	By            string
	PlantID       string
	IssueRevision string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sync now",
		Long: `Runs a sync in the foreground and prints its result.

Example:
  fern run all
  fern run selections
  fern run entity pcs --plant 34`,
	}
	cmd.PersistentFlags().StringVar(&opts.By, "by", "cli", "initiator recorded on the runs")

	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Sync every global and plant-level entity type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, func(a *app.App) error {
				batch, err := a.Orchestrator.RunAll(cmd.Context(), opts.trigger())
				if err != nil {
					return WrapExitError(ExitCommandError, "sync failed", err)
				}
				return printBatch(cmd, opts.Format, batch)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "selections",
		Short: "Sync every active plant and issue selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, func(a *app.App) error {
				batch, err := a.Orchestrator.RunForActiveSelections(cmd.Context(), opts.trigger())
				if err != nil {
					return WrapExitError(ExitCommandError, "sync failed", err)
				}
				return printBatch(cmd, opts.Format, batch)
			})
		},
	})

	entityCmd := &cobra.Command{
		Use:   "entity <type>",
		Short: "Sync one entity type over one scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := entity.Scope{PlantID: opts.PlantID, IssueRevision: opts.IssueRevision}
			if scope.IssueRevision != "" && scope.PlantID == "" {
				return NewExitError(ExitCommandError, "--issue requires --plant")
			}
			return withApp(cmd.Context(), opts.RootOptions, func(a *app.App) error {
				result, err := a.Orchestrator.RunEntity(cmd.Context(), args[0], scope, orchestrator.Trigger{Type: models.RunTypeEntity, By: opts.By})
				if result.RunID == "" && err != nil {
					return WrapExitError(ExitCommandError, "sync failed", err)
				}
				if printErr := Print(cmd.OutOrStdout(), opts.Format, result); printErr != nil {
					return printErr
				}
				if result.Status == models.RunStatusFailed {
					return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", args[0]), err)
				}
				return nil
			})
		},
	}
	entityCmd.Flags().StringVar(&opts.PlantID, "plant", "", "plant id")
	entityCmd.Flags().StringVar(&opts.IssueRevision, "issue", "", "issue revision, requires --plant")
	cmd.AddCommand(entityCmd)

	return cmd
}

func (o *RunOptions) trigger() orchestrator.Trigger {
	return orchestrator.Trigger{Type: models.RunTypeManual, By: o.By}
}

func printBatch(cmd *cobra.Command, format string, batch *models.BatchResult) error {
	if err := Print(cmd.OutOrStdout(), format, batch); err != nil {
		return err
	}
	switch batch.Status {
	case models.BatchStatusFailed, models.BatchStatusPartialSuccess:
		return NewExitError(ExitFailure, fmt.Sprintf("batch %s: %s", batch.Status, batch.Message))
	}
	return nil
}
