package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbaliyan/mission-saga/mission"
	"github.com/rbaliyan/mission-saga/reconcile"
	"github.com/spf13/cobra"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Once bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay failed compensations from the saga journal",
		Long: `Scan the saga journal for completions whose rollback failed and replay
the compensations that did not run.

Without --once the command keeps scanning every reconcile.interval until it
receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := opts.Open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			r, err := newReconciler(rt)
			if err != nil {
				return WrapExitError(ExitCommandError, "build reconciler", err)
			}
			return runReconcile(ctx, opts, r, opts.formatter(cmd))
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single pass and print its report")

	return cmd
}

func newReconciler(rt *Runtime) (*reconcile.Reconciler, error) {
	limiter, err := rt.ReplayLimiter()
	if err != nil {
		return nil, err
	}
	rc := rt.Config.Reconcile
	compensator := mission.NewCompensator(rt.Instances, rt.Gamification, rt.Feeds, rt.Leaser, rt.Logger).
		WithLeaseTTL(rt.Config.Lease.TTL)
	return reconcile.New(rt.Journal, compensator,
		reconcile.WithLimiter(limiter),
		reconcile.WithInterval(rc.Interval),
		reconcile.WithBatchSize(rc.BatchSize),
		reconcile.WithLogger(rt.Logger),
	), nil
}

func runReconcile(ctx context.Context, opts *ReconcileOptions, r *reconcile.Reconciler, out *OutputFormatter) error {
	if !opts.Once {
		if err := r.Run(ctx); err != nil && !reconcile.IsStopped(err) {
			return WrapExitError(ExitFailure, "reconciler stopped", err)
		}
		return nil
	}

	report, err := r.RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "reconciliation pass failed", err)
	}
	if err := out.Success(report, func(w io.Writer) { printReport(w, report) }); err != nil {
		return err
	}
	if report.StillFailing > 0 || report.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d executions still need reconciliation", report.StillFailing+report.Errors))
	}
	return nil
}

func printReport(w io.Writer, r reconcile.Report) {
	fmt.Fprintf(w, "scanned:       %d\n", r.Scanned)
	fmt.Fprintf(w, "repaired:      %d\n", r.Repaired)
	fmt.Fprintf(w, "still failing: %d\n", r.StillFailing)
	fmt.Fprintf(w, "skipped:       %d\n", r.Skipped)
	fmt.Fprintf(w, "errors:        %d\n", r.Errors)
}
