package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/internal/ingest"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand() *cobra.Command {
	var file, table string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load landing files once",
		Long: `Load every landing file that is due and exit. Files already loaded are
skipped; failed files are retried once their backoff has elapsed.

With --file, load one file from anywhere into --table.`,
		Example: `  # Load all pending files
  leapflow ingest

  # Load one file
  leapflow ingest --file /tmp/claims_2024_06.csv --table claims`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			p := cmdCtx.Pipeline

			if file != "" {
				if table == "" {
					return fmt.Errorf("--table is required with --file")
				}
				abs, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				n := ingest.FileNotice{
					FileID:      table + "/" + filepath.Base(abs),
					Location:    abs,
					TargetTable: table,
				}
				count, err := p.Watcher().Ingest(ctx, n)
				if err != nil {
					return err
				}
				cmdCtx.Renderer.Printf("loaded %d records from %s into %s\n", count, n.FileID, table)
			} else {
				loaded, err := p.IngestOnce(ctx)
				cmdCtx.Renderer.Printf("loaded %d files\n", loaded)
				if err != nil {
					return err
				}
			}

			return renderLedger(ctx, cmdCtx, "")
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Load a single file")
	cmd.Flags().StringVar(&table, "table", "", "Target raw table for --file")
	return cmd
}

// renderLedger prints the ingest ledger, optionally filtered by status.
func renderLedger(ctx context.Context, c *CommandContext, status core.FileStatus) error {
	states, err := c.Pipeline.Store().ListFileStates(ctx, status)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(states))
	for _, st := range states {
		rows = append(rows, []any{st.FileID, st.TargetTable, string(st.Status), st.RecordCount, st.RejectedCount, st.AttemptCount, st.LastError})
	}
	return c.Renderer.Table("Files", []string{"file_id", "table", "status", "records", "rejected", "attempts", "error"}, rows)
}
