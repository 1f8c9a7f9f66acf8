package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-brain/core/internal/config"
	"github.com/agent-brain/core/internal/queue"
)

func newIndexCmd() *cobra.Command {
	var includeCode bool
	var patterns []string
	var force bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Enqueue an indexing run for a project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := projectRootFlag(cmd)
			if len(args) == 1 {
				target = args[0]
			}

			cfg := config.NewConfig()
			a, err := buildApp(cmd.Context(), cfg, target)
			if err != nil {
				return err
			}
			defer a.Close()

			go func() { _ = a.queue.Run(cmd.Context()) }()

			result, err := a.queue.Enqueue(queue.JobRequest{
				Path:        target,
				Operation:   "index",
				IncludeCode: includeCode,
				Patterns:    patterns,
				Force:       force,
			})
			if err != nil {
				return err
			}

			if result.DedupeHit {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already queued (dedupe hit)\n", result.JobID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s (position %d of %d)\n", result.JobID, result.QueuePosition, result.QueueLength)
			}

			if !wait {
				return nil
			}
			return waitForJob(cmd, a, result.JobID)
		},
	}

	cmd.Flags().BoolVar(&includeCode, "include-code", true, "chunk and index source code files in addition to docs")
	cmd.Flags().StringSliceVar(&patterns, "pattern", nil, "glob patterns to restrict indexing to (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "bypass dedupe and force a fresh run")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the job reaches a terminal state")

	return cmd
}

func waitForJob(cmd *cobra.Command, a *app, jobID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
			snap := a.queue.Status()
			if snap.Running != nil && snap.Running.ID == jobID {
				fmt.Fprintf(cmd.OutOrStdout(), "\rindexing %s: %d/%d files, %d chunks",
					snap.Running.CurrentFile, snap.Running.FilesProcessed, snap.Running.FilesTotal, snap.Running.ChunksCreated)
				continue
			}
			for _, rec := range snap.Recent {
				if rec.ID != jobID {
					continue
				}
				switch rec.Status {
				case queue.StatusDone:
					fmt.Fprintf(cmd.OutOrStdout(), "\njob %s done: %d chunks indexed\n", jobID, rec.ChunksCreated)
					return nil
				case queue.StatusFailed:
					return fmt.Errorf("job %s failed: %s", jobID, rec.Error)
				case queue.StatusCancelled:
					return fmt.Errorf("job %s cancelled", jobID)
				}
			}
		}
	}
}
