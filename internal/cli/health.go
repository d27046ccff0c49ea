package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/spf13/cobra"
)

// HealthOptions holds flags for the health command.
type HealthOptions struct {
	*RootOptions
	Timeout time.Duration
}

// HealthReport is the outcome of one named check.
type HealthReport struct {
	Name   string         `json:"name"`
	Result *health.Result `json:"result"`
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HealthOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			if rt.Config.Reconcile.Shared {
				if _, err := rt.ReplayLimiter(); err != nil {
					return WrapExitError(ExitCommandError, "build reconcile limiter", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			return runHealth(ctx, rt.Checks, opts.formatter(cmd))
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "deadline for all checks")

	return cmd
}

func runHealth(ctx context.Context, checks []Check, out *OutputFormatter) error {
	reports := make([]HealthReport, 0, len(checks))
	unhealthy := 0
	for _, c := range checks {
		result := c.Checker.Health(ctx)
		if result.Status == health.StatusUnhealthy {
			unhealthy++
		}
		reports = append(reports, HealthReport{Name: c.Name, Result: result})
	}

	if err := out.Success(reports, func(w io.Writer) { printHealth(w, reports) }); err != nil {
		return err
	}
	if unhealthy > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d checks unhealthy", unhealthy, len(checks)))
	}
	return nil
}

func printHealth(w io.Writer, reports []HealthReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%-18s %-10s %s", r.Name, r.Result.Status, r.Result.Latency.Round(time.Millisecond))
		if r.Result.Message != "" {
			fmt.Fprintf(w, "  %s", r.Result.Message)
		}
		fmt.Fprintln(w)
	}
}
