package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/internal/refresh"
)

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [table]",
		Short: "Refresh derived tables",
		Long: `Evaluate every derived table once, level by level, or force one table
and its upstream derived tables regardless of target lag.`,
		Example: `  # Refresh everything that is due
  leapflow refresh

  # Force one table
  leapflow refresh broker_risk_view`,
		Args: cobra.MaximumNArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			views := cmdCtx.Pipeline.Views()

			var rep *refresh.Report
			if len(args) == 1 {
				rep, err = views.Refresh(cmd.Context(), args[0])
			} else {
				rep, err = views.Tick(cmd.Context())
			}
			if err != nil {
				return err
			}

			names := make([]string, 0, len(rep.Outcomes))
			for name := range rep.Outcomes {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]any, 0, len(names))
			for _, name := range names {
				st, _ := views.State(name)
				rows = append(rows, []any{name, string(rep.Outcomes[name]), st.Version, st.RowCount, st.LastError})
			}
			if err := cmdCtx.Renderer.Table("Refresh", []string{"table", "outcome", "version", "rows", "error"}, rows); err != nil {
				return err
			}
			if failed := rep.With(refresh.OutcomeFailed); len(failed) > 0 {
				cmdCtx.Renderer.Printf("%d tables failed to refresh\n", len(failed))
			}
			return nil
		},
	}
}
