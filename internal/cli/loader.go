package cli

import (
	"time"

	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/config"
	"github.com/atomupd/atomupd/internal/estimate"
	"github.com/atomupd/atomupd/internal/manifest"
	"github.com/atomupd/atomupd/internal/pool"
)

// poolRebuildDebounce is how long the image tree must stay quiet before a
// filesystem trigger rebuilds the pool.
const poolRebuildDebounce = 2 * time.Second

// loadConfig reads the configuration file named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigPath == "" {
		return nil, &ExitError{Code: ExitFailure, Message: "a configuration file is required (--config)"}
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	return cfg, nil
}

// buildPool walks the image tree and builds a validated pool.
func buildPool(cfg *config.Config, logger *zap.Logger) (*pool.Pool, error) {
	store := manifest.NewStore(cfg.Images.PoolDir, cfg.Images.Branches, logger)

	start := time.Now()
	entries, err := store.Walk()
	if err != nil {
		return nil, err
	}
	p, err := pool.New(cfg, entries, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("image pool built",
		zap.Int("images", p.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

// newEstimator builds the desync size estimator for a configuration.
func newEstimator(cfg *config.Config, logger *zap.Logger) pool.Estimator {
	return &estimate.Desync{
		PoolDir: cfg.Images.PoolDir,
		Timeout: cfg.Images.EstimateTimeout,
		Logger:  logger,
	}
}
