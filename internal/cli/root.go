// Package cli wires the update service's commands: the live query server,
// the static-file generator, manifest creation and pool validation.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Debug      bool

	logger *zap.Logger
}

// Logger returns the process logger; the root command builds it before any
// subcommand runs.
func (o *RootOptions) Logger() *zap.Logger {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o.logger
}

// NewRootCommand creates the root command for the atomupd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "atomupd",
		Short:         "Atomic OS-image update server",
		Long:          "Decides which image, if any, a fleet device should move to next.",
		SilenceUsage:  true, // don't print usage on errors
		SilenceErrors: true, // main prints errors and maps exit codes
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(opts.Debug)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "show debug messages")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewMkManifestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// buildLogger constructs the process logger: terse production output by
// default, human-oriented debug output with --debug.
func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
