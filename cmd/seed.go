package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Upsert the configured categories and registry entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Seed(cmd.Context())
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
