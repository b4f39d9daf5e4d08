package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline",
		Long: `Run ingestion, the view manager, the quality scheduler and the HTTP
server until interrupted.

Landing files are picked up as they arrive and on every poll. Derived
tables refresh when their inputs change, within their target lag.`,
		Example: `  # Run with ./leapflow.yaml
  leapflow run

  # Serve on another address
  leapflow run --addr :9090

  # Run without the HTTP server
  leapflow run --addr ""`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			return cmdCtx.Pipeline.Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (empty string disables the server)")
	return cmd
}
