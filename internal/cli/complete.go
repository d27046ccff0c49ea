package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mission-saga/mission"
	"github.com/rbaliyan/mission-saga/saga"
	"github.com/spf13/cobra"
)

// CompleteOptions holds flags for the complete command.
type CompleteOptions struct {
	*RootOptions
	InstanceID string
	UserID     string
	Note       string
	Share      bool
	Pinned     bool
}

// Completer runs one completion attempt.
type Completer interface {
	Execute(ctx context.Context, req mission.Request) *saga.Result[mission.CompletionContext]
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a mission instance",
		Long: `Complete a mission execution, or a daily instance with --pinned.

The instance is marked COMPLETED, experience is granted, stats and
achievements are updated and, with --share, a feed post is created. If any
step fails every earlier effect is rolled back and the instance stays
IN_PROGRESS, so the command can be retried.

Exit codes:
  0 - completed
  1 - completion failed and was rolled back
  2 - bad flags, configuration or unreachable backends
  3 - another completion of the same instance is running`,
		Example: `  missiond complete --instance 8c1d... --user u-42
  missiond complete --pinned --share --instance d-17 --user u-42 --note "morning run"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			completer, err := rt.CompletionSaga()
			if err != nil {
				return WrapExitError(ExitCommandError, "build completion saga", err)
			}
			return runComplete(cmd.Context(), opts, completer, opts.formatter(cmd))
		},
	}

	cmd.Flags().StringVar(&opts.InstanceID, "instance", "", "mission execution or daily instance id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "id of the user completing the instance")
	cmd.Flags().StringVar(&opts.Note, "note", "", "completion note shown on the feed post")
	cmd.Flags().BoolVar(&opts.Share, "share", false, "publish a feed post")
	cmd.Flags().BoolVar(&opts.Pinned, "pinned", false, "complete a daily mission instance")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runComplete(ctx context.Context, opts *CompleteOptions, completer Completer, out *OutputFormatter) error {
	req := mission.Request{
		ID:          opts.InstanceID,
		UserID:      opts.UserID,
		Note:        opts.Note,
		ShareToFeed: opts.Share,
		Pinned:      opts.Pinned,
	}

	result := completer.Execute(ctx, req)

	var resp *mission.CompletionResponse
	var err error
	if req.Pinned {
		resp, err = mission.ToPinnedResponse(result)
	} else {
		resp, err = mission.ToRegularResponse(result)
	}
	if err == nil {
		return out.Success(resp, func(w io.Writer) { printCompletion(w, resp) })
	}

	var failed *mission.CompletionFailedError
	if !errors.As(err, &failed) {
		return WrapExitError(ExitFailure, "completion failed", err)
	}

	details := map[string]any{"failed_step": failed.FailedStep, "outcome": failed.Outcome}
	if result != nil && len(result.CompensationFailures) > 0 {
		details["compensation_failures"] = result.CompensationFailures
	}
	code, exit := "COMPLETION_FAILED", ExitFailure
	if failed.Conflict() {
		code, exit = "IN_PROGRESS", ExitConflict
	}
	if werr := out.Error(code, failed.Message, details); werr != nil {
		return werr
	}
	return WrapExitError(exit, fmt.Sprintf("instance %s not completed", req.ID), failed)
}

func printCompletion(w io.Writer, resp *mission.CompletionResponse) {
	fmt.Fprintf(w, "Completed %s", resp.ID)
	if resp.Title != "" {
		fmt.Fprintf(w, " (%s)", resp.Title)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  exp earned:   %d\n", resp.ExpEarned)
	fmt.Fprintf(w, "  level:        %d\n", resp.Level)
	fmt.Fprintf(w, "  completed at: %s\n", resp.CompletedAt.Format(time.RFC3339))
	if resp.FeedID != "" {
		fmt.Fprintf(w, "  feed post:    %s\n", resp.FeedID)
	}
}
