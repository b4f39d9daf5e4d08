package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapflow/internal/access"
	"github.com/leapstack-labs/leapflow/internal/policy"
)

// NewReadCommand creates the read command.
func NewReadCommand() *cobra.Command {
	var (
		id      policy.Identity
		summary bool
		opts    access.SummaryOptions
	)

	cmd := &cobra.Command{
		Use:   "read <table>",
		Short: "Read a table as an identity",
		Long: `Read the latest published version of a table with the masks and row
filters that apply to the given identity.

With --summary, print record, group and measure aggregates computed over
what the identity can see.`,
		Example: `  # Read as a broker
  leapflow read broker_risk_view --user broker1 --role BROKER

  # Summarise by broker
  leapflow read broker_risk_view --role BROKER --summary --group-by broker --measure claim_amount`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			if err := cmdCtx.warmUp(ctx); err != nil {
				return err
			}
			r := cmdCtx.Renderer

			if summary {
				s, err := cmdCtx.Pipeline.Access().Summarize(ctx, args[0], id, opts)
				if err != nil {
					return err
				}
				if r.JSON() {
					return r.Encode(struct {
						*access.Summary
						Privilege string `json:"privilege"`
					}{s, s.Privilege.String()})
				}
				return r.Table(s.Table+" ("+s.Privilege.String()+")",
					[]string{"visible_records", "distinct_groups", "average", "max"},
					[][]any{{s.VisibleRecords, s.DistinctGroups, s.Average, s.Max}})
			}

			res, err := cmdCtx.Pipeline.Access().Read(ctx, args[0], id)
			if err != nil {
				return err
			}
			rows := make([][]any, len(res.Rows))
			for i, row := range res.Rows {
				vals := make([]any, len(res.Columns))
				for j, c := range res.Columns {
					vals[j] = row[c]
				}
				rows[i] = vals
			}
			return r.Table(res.Table+" ("+res.Privilege.String()+")", res.Columns, rows)
		},
	}
	cmd.Flags().StringVar(&id.User, "user", "", "Caller user name")
	cmd.Flags().StringSliceVar(&id.Roles, "role", nil, "Caller role (repeatable)")
	cmd.Flags().StringVar(&id.Account, "account", "", "Caller account")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print aggregates instead of rows")
	cmd.Flags().StringVar(&opts.GroupBy, "group-by", "", "Column whose distinct values are counted")
	cmd.Flags().StringVar(&opts.Measure, "measure", "", "Numeric column to average and maximise")
	return cmd
}
