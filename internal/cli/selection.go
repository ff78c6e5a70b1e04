package cli

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/models"
)

func NewSelectionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "selection",
		Aliases: []string{"selections"},
		Short:   "Manage the plants and issue revisions that scheduled syncs cover",
	}

	var by string
	add := &cobra.Command{
		Use:   "add <plant-id> [issue-revision]",
		Short: "Select a plant, or an issue revision of a selected plant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SelectionRequest{PlantID: args[0]}
			if len(args) == 2 {
				req.IssueRevision = args[1]
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				sel, err := a.Selections.Activate(cmd.Context(), req, by)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to select", err)
				}
				return Print(cmd.OutOrStdout(), opts.Format, sel)
			})
		},
	}
	add.Flags().StringVar(&by, "by", "cli", "recorded as selected_by")

	remove := &cobra.Command{
		Use:   "remove <plant-id> [issue-revision]",
		Short: "Deselect a plant with its issues, or one issue revision",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				if len(args) == 2 {
					if err := a.Selections.Deactivate(cmd.Context(), args[0], args[1]); err != nil {
						return WrapExitError(ExitCommandError, "failed to deselect", err)
					}
					return Print(cmd.OutOrStdout(), opts.Format, map[string]string{"plant_id": args[0], "issue_revision": args[1], "status": "deactivated"})
				}
				removed, err := a.Selections.Remove(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to deselect", err)
				}
				return Print(cmd.OutOrStdout(), opts.Format, removed)
			})
		},
	}

	var includeInactive bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List selections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				sels, err := a.Selections.List(cmd.Context(), includeInactive)
				if err != nil {
					return err
				}
				return Print(cmd.OutOrStdout(), opts.Format, sels)
			})
		},
	}
	list.Flags().BoolVar(&includeInactive, "all", false, "include inactive selections")

	cmd.AddCommand(add, remove, list)
	return cmd
}
