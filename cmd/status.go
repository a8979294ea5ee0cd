package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/worker"
)

type categoryStatus struct {
	worker.CategorySchedule
	RecentRuns []ingest.PipelineRun `json:"recent_runs"`
}

// newStatusCmd prints the stored schedule of every active category with its
// most recent runs.
func newStatusCmd() *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show category schedules, counts and recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			schedule, err := appInstance.Worker().Schedule(cmd.Context())
			if err != nil {
				return fmt.Errorf("load schedule: %w", err)
			}
			out := make([]categoryStatus, 0, len(schedule))
			for _, s := range schedule {
				entry := categoryStatus{CategorySchedule: s, RecentRuns: []ingest.PipelineRun{}}
				if runs > 0 {
					recent, err := appInstance.Runs().ListRuns(cmd.Context(), s.Category, runs)
					if err != nil {
						return fmt.Errorf("list runs of %s: %w", s.Category, err)
					}
					if recent != nil {
						entry.RecentRuns = recent
					}
				}
				out = append(out, entry)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 3, "recent runs to show per category")
	return cmd
}
