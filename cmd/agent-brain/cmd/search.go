package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-brain/core/internal/config"
	"github.com/agent-brain/core/internal/search"
	"github.com/agent-brain/core/internal/store"
	"github.com/agent-brain/core/pkg/version"
)

func newSearchCmd() *cobra.Command {
	var mode string
	var limit int
	var minScore float64
	var sourceType string
	var language string
	var pathGlob string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Query the index in keyword, vector, hybrid, graph, or multi mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := projectRootFlag(cmd)
			cfg := config.NewConfig()

			a, err := buildApp(cmd.Context(), cfg, target)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.QueryFilter{
				MinScore:   minScore,
				SourceType: store.ContentType(sourceType),
				Language:   language,
				PathGlob:   pathGlob,
			}

			results, err := a.modeEngine.Search(cmd.Context(), args[0], search.RetrievalMode(mode), limit, filter)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(search.ModeHybrid), "retrieval mode: keyword|vector|hybrid|graph|multi")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results to return")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum result score")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "filter by source_type: doc|code|test")
	cmd.Flags().StringVar(&language, "language", "", "filter by language")
	cmd.Flags().StringVar(&pathGlob, "path", "", "filter by file path glob")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			return nil
		},
	}
}
