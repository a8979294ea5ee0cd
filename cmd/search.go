package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/legal-corpus-ingest/internal/pipeline"
)

func newSearchCmd() *cobra.Command {
	var (
		query    string
		category string
		topK     int
	)
	cmd := &cobra.Command{
		Use:   "search [QUERY...]",
		Short: "Search indexed articles by similarity",
		Long: `Embeds the query and prints the closest article chunks as JSON. The query
is taken from --query, or from the positional arguments joined by spaces.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				query = strings.Join(args, " ")
			}
			if strings.TrimSpace(query) == "" {
				return errors.New("query is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			hits, err := appInstance.Searcher().Search(cmd.Context(), pipeline.Query{
				Text:     query,
				Category: category,
				TopK:     topK,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), hits)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "search text")
	cmd.Flags().StringVarP(&category, "category", "c", "", "restrict results to one category")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "number of results")
	return cmd
}
