package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes for the configured backends",
		Long: `Create the PostgreSQL tables and MongoDB indexes missiond relies on.

Every statement is idempotent; running migrate against an up to date
database changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			return runMigrate(cmd.Context(), rt.Migrations, rootOpts.formatter(cmd))
		},
	}
}

func runMigrate(ctx context.Context, migrations []func(context.Context) error, out *OutputFormatter) error {
	for i, migrate := range migrations {
		if err := migrate(ctx); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("migration %d of %d", i+1, len(migrations)), err)
		}
	}
	return out.Success(map[string]int{"applied": len(migrations)}, nil)
}
