package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		Long: `Load the configuration and report every problem found in it: unknown
metric or recipe kinds, derived tables with missing inputs, policies
without a target, and invalid retry settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := GetConfig(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("configuration not loaded")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			r, err := newRenderer(cmd)
			if err != nil {
				return err
			}
			if r.JSON() {
				return r.Encode(map[string]any{
					"valid":    true,
					"tables":   len(cfg.Tables),
					"derived":  len(cfg.Derived),
					"checks":   len(cfg.Checks),
					"policies": len(cfg.Policies),
				})
			}
			source := cfg.ConfigFile
			if source == "" {
				source = "defaults"
			}
			r.Printf("configuration OK (%s): %d raw tables, %d derived tables, %d checks, %d policies\n",
				source, len(cfg.Tables), len(cfg.Derived), len(cfg.Checks), len(cfg.Policies))
			return nil
		},
	}
}
