package commands

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewDAGCommand creates the dag command.
func NewDAGCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dag",
		Short: "Show the derived table graph",
		Long: `Display derived tables grouped by refresh level, with their inputs and
target lag. Tables in a level only read raw tables or tables in earlier
levels, so a level refreshes in parallel.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			views := cmdCtx.Pipeline.Views()

			rows := make([][]any, 0)
			for _, n := range views.Nodes() {
				rows = append(rows, []any{n.Level, n.Name, strings.Join(n.Inputs, ", "), n.TargetLag, strings.Join(views.Dependents(n.Name), ", ")})
			}
			// Nodes come sorted by name; present them by level.
			sort.SliceStable(rows, func(i, j int) bool { return rows[i][0].(int) < rows[j][0].(int) })
			return cmdCtx.Renderer.Table("DAG", []string{"level", "table", "inputs", "target_lag", "dependents"}, rows)
		},
	}
}
