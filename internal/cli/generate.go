package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/generate"
	"github.com/atomupd/atomupd/internal/manifest"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	OutputDir string
	Watch     bool
	NoSizes   bool
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the static update-file tree",
		Long: `Write the static update-file tree.

Pre-computes every device's answer into a directory tree that any plain
file server can publish: one file per image and branch, plus fallback
files for devices on unknown builds and for staged rollouts.

Only one generator may write into an output tree at a time; an instance
that finds the tree locked exits immediately with a non-zero status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "output directory (required)")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "keep running and regenerate on image tree changes")
	cmd.Flags().BoolVar(&opts.NoSizes, "no-sizes", false, "skip download-size estimation")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runGenerate(ctx context.Context, rootOpts *RootOptions, opts *GenerateOptions) error {
	logger := rootOpts.Logger()

	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	estimator := newEstimator(cfg, logger)
	if opts.NoSizes {
		estimator = nil
	}
	gen := generate.New(cfg, opts.OutputDir, estimator, logger)

	pass := func() error {
		p, err := buildPool(cfg, logger)
		if err != nil {
			return err
		}
		return gen.Run(ctx, p)
	}

	// The first pass must succeed: a broken pool, a held lock or a
	// strict-mode fallback failure all exit non-zero.
	if err := pass(); err != nil {
		return WrapExitError(ExitFailure, "generating update tree", err)
	}
	if !opts.Watch {
		return nil
	}

	// Watch mode: later failures are logged but do not tear the previous
	// good tree down. Triggers are handled one at a time.
	return manifest.Watch(ctx, cfg.Images.PoolDir, poolRebuildDebounce, func() {
		if err := pass(); err != nil {
			logger.Error("regeneration failed, keeping previous tree", zap.Error(err))
		}
	}, logger)
}
