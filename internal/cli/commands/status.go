package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var (
		files   bool
		history int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long: `Show raw table versions, the last refresh recorded for each derived
table, and files that still need attention.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			p := cmdCtx.Pipeline
			r := cmdCtx.Renderer

			var rawRows [][]any
			for _, name := range p.Raw().Tables() {
				snap, _ := p.Raw().Snapshot(name)
				rawRows = append(rawRows, []any{name, snap.Version, snap.Len()})
			}
			if err := r.Table("Raw tables", []string{"table", "version", "rows"}, rawRows); err != nil {
				return err
			}

			var viewRows [][]any
			for _, name := range p.Views().Names() {
				recs, err := p.Store().ListRefreshes(ctx, name, history)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					viewRows = append(viewRows, []any{name, "never", nil, nil, nil, ""})
					continue
				}
				for _, rec := range recs {
					viewRows = append(viewRows, []any{name, string(rec.Status), rec.CompletedAt, rec.Version, rec.RowCount, rec.Error})
				}
			}
			if err := r.Table("Derived tables", []string{"table", "last_status", "completed_at", "version", "rows", "error"}, viewRows); err != nil {
				return err
			}

			if files {
				return renderLedger(ctx, cmdCtx, "")
			}
			return renderLedger(ctx, cmdCtx, core.FileStatusFailed)
		},
	}
	cmd.Flags().BoolVar(&files, "files", false, "List every file in the ingest ledger, not just failures")
	cmd.Flags().IntVar(&history, "history", 1, "Refresh records to show per derived table")
	return cmd
}
