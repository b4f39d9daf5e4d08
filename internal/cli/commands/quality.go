package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/internal/quality"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// NewQualityCommand creates the quality command.
func NewQualityCommand() *cobra.Command {
	var (
		table  string
		window time.Duration
		hist   bool
	)

	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Evaluate quality checks and report",
		Long: `Evaluate every configured quality check once against the current data
and print the monitoring report: overall score and rating, freshness of
the last load, checks needing attention, and recommendations.

With --history, print stored results instead.`,
		Example: `  # Run all checks and report
  leapflow quality

  # Results for one table over the last day
  leapflow quality --history --table claims --window 24h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			p := cmdCtx.Pipeline
			r := cmdCtx.Renderer

			if hist {
				results, err := p.Quality().History(ctx, table, window)
				if err != nil {
					return err
				}
				return renderResults(r, "History", results)
			}

			if err := cmdCtx.warmUp(ctx); err != nil {
				return err
			}
			var latest []*core.QualityResult
			for _, c := range p.Quality().Checks() {
				if table != "" && c.Table != table {
					continue
				}
				res, err := p.Quality().Evaluate(ctx, c.ID)
				if err != nil {
					return err
				}
				latest = append(latest, res)
			}

			rep := quality.BuildReport(latest, p.LastLoad(), time.Now())
			if r.JSON() {
				return r.Encode(map[string]any{
					"score":           rep.Summary.Score,
					"rating":          rep.Summary.Rating,
					"total":           rep.Summary.Total,
					"freshness":       string(rep.Freshness.Status),
					"recommendations": rep.Recommendations,
				})
			}
			if err := renderResults(r, "Checks", latest); err != nil {
				return err
			}
			r.Printf("\nOverall: %.1f%% (%s), %d checks\n", rep.Summary.Score, r.Title(rep.Summary.Rating), rep.Summary.Total)
			if rep.Freshness.Status == quality.FreshnessUnknown {
				r.Printf("Freshness: %s\n", r.Title(string(rep.Freshness.Status)))
			} else {
				r.Printf("Freshness: %s (last load %s ago)\n", r.Title(string(rep.Freshness.Status)), rep.Freshness.Age.Round(time.Second))
			}
			for _, rec := range rep.Recommendations {
				r.Printf("  - %s\n", rec)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Only checks on this table")
	cmd.Flags().BoolVar(&hist, "history", false, "Print stored results instead of evaluating")
	cmd.Flags().DurationVar(&window, "window", 0, "History window (0 for all)")
	return cmd
}

func renderResults(r *Renderer, title string, results []*core.QualityResult) error {
	rows := make([][]any, 0, len(results))
	for _, res := range results {
		status := r.Title(string(res.Status))
		if r.JSON() {
			status = string(res.Status)
		}
		rows = append(rows, []any{res.CheckID, res.Table, res.Metric, string(res.CheckType), res.MeasuredAt,
			res.RecordCount, res.Value, res.Score, status, quality.Severity(res), res.Error})
	}
	return r.Table(title, []string{"check", "table", "metric", "type", "measured_at", "records", "value", "score", "status", "severity", "error"}, rows)
}
