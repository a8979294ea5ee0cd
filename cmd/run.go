package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

type runOutput struct {
	Run     ingest.PipelineRun  `json:"run"`
	Outcome ingest.WorkerStatus `json:"outcome"`
	Error   string              `json:"error,omitempty"`
}

// newRunCmd runs one category pipeline synchronously and prints the run
// record.
func newRunCmd() *cobra.Command {
	var (
		category string
		force    bool
		seed     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline of one category once",
		Long: `Runs discovery, fetch, index and validate for a single category and
prints the resulting run record as JSON. With --force every active entry is
re-parsed and re-indexed even when its content hash is unchanged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if seed {
				if _, err := appInstance.Seed(cmd.Context()); err != nil {
					return fmt.Errorf("seed categories: %w", err)
				}
			}
			run, runErr := appInstance.Worker().RunNow(cmd.Context(), category, force)
			if run.ID == "" {
				if runErr == nil {
					runErr = errors.New("run was not recorded")
				}
				return fmt.Errorf("run %s: %w", category, runErr)
			}
			out := runOutput{Run: run, Outcome: run.Outcome()}
			if runErr != nil {
				out.Error = runErr.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if out.Outcome == ingest.WorkerFailed {
				return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "category to run")
	cmd.Flags().BoolVar(&force, "force", false, "re-index documents even when unchanged")
	cmd.Flags().BoolVar(&seed, "seed", false, "upsert configured categories and entries first")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}
