package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mission-saga/saga"
	"github.com/spf13/cobra"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old saga journal entries",
		Long: `Delete journal entries of executions started more than --older-than ago.
Entries still awaiting reconciliation are never deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			pruner, ok := rt.Journal.(saga.Pruner)
			if !ok {
				return NewExitError(ExitCommandError, fmt.Sprintf("journal backend %q cannot be pruned", rt.Config.Journal.Backend))
			}
			return runPrune(cmd.Context(), opts, pruner, opts.formatter(cmd))
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*24*time.Hour, "minimum age of deleted entries")

	return cmd
}

func runPrune(ctx context.Context, opts *PruneOptions, pruner saga.Pruner, out *OutputFormatter) error {
	if opts.OlderThan <= 0 {
		return NewExitError(ExitCommandError, "--older-than must be positive")
	}
	deleted, err := pruner.DeleteOlderThan(ctx, opts.OlderThan)
	if err != nil {
		return WrapExitError(ExitFailure, "prune journal", err)
	}
	return out.Success(map[string]int64{"deleted": deleted}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted %d journal entries older than %s\n", deleted, opts.OlderThan)
	})
}
