// Package cli implements the missiond command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/rbaliyan/mission-saga/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Opener builds the runtime for a loaded configuration.
type Opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error)

// RootOptions holds global flags and shared state for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string

	viper *viper.Viper
	open  Opener
}

// NewRootCommand creates the root command for missiond.
func NewRootCommand() *cobra.Command {
	return newRootCommand(OpenRuntime)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{
		viper: viper.New(),
		open:  open,
	}

	cmd := &cobra.Command{
		Use:           "missiond",
		Short:         "Mission completion saga service",
		Long:          "missiond completes mission instances across the mission store, gamification and the social feed, and reconciles completions whose rollback failed.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("journal", "", "saga journal backend (memory|redis|postgres|mongo)")
	flags.String("lease", "", "lease backend (memory|redis)")
	_ = opts.viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.viper.BindPFlag("journal.backend", flags.Lookup("journal"))
	_ = opts.viper.BindPFlag("lease.backend", flags.Lookup("lease"))

	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

// Load reads the configuration and builds the logger. Logs go to stderr so
// they never mix with command output.
func (o *RootOptions) Load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.viper, o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

// Open loads the configuration and opens the runtime. Callers must Close it.
func (o *RootOptions) Open(ctx context.Context) (*Runtime, error) {
	cfg, logger, err := o.Load()
	if err != nil {
		return nil, err
	}
	rt, err := o.open(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open backends", err)
	}
	return rt, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
