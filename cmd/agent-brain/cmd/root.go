// Package cmd provides the CLI commands for Agent Brain.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-brain/core/pkg/version"
)

// NewRootCmd creates the root command for the agent-brain CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "agent-brain",
		Short:   "Local-first retrieval service for documentation and source code",
		Version: version.Version,
		Long: `Agent Brain ingests a project's files, chunks and embeds them, and
serves keyword, vector, hybrid, graph, and multi (RRF) retrieval over a
durable, crash-safe indexing pipeline.`,
	}
	root.SetVersionTemplate("agent-brain version {{.Version}}\n")
	root.PersistentFlags().String("project", "", "project root (defaults to current directory)")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command, printing any error to stderr.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln(err)
		return err
	}
	return nil
}

func projectRootFlag(cmd *cobra.Command) string {
	root, _ := cmd.Flags().GetString("project")
	if root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
