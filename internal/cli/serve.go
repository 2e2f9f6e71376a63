package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomupd/atomupd/internal/manifest"
	"github.com/atomupd/atomupd/internal/pool"
	"github.com/atomupd/atomupd/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve device update queries over HTTP",
		Long: `Serve device update queries over HTTP.

Builds the image pool from the configured tree and answers queries from it.
The pool is rebuilt and swapped in atomically whenever the tree changes; a
rebuild that fails validation is rejected and the previous pool keeps
serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	logger := opts.Logger()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	p, err := buildPool(cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "building image pool", err)
	}

	handle := pool.NewHandle(p)
	srv := server.New(handle, newEstimator(cfg, logger), logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rebuild on tree changes. Failures keep the previous pool serving.
	go func() {
		err := manifest.Watch(ctx, cfg.Images.PoolDir, poolRebuildDebounce, func() {
			rebuilt, err := buildPool(cfg, logger)
			if err != nil {
				logger.Error("pool rebuild rejected, keeping previous pool", zap.Error(err))
				return
			}
			srv.SwapPool(rebuilt)
			logger.Info("published rebuilt image pool", zap.Int("images", rebuilt.Len()))
		}, logger)
		if err != nil {
			logger.Error("image tree watcher stopped", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving update queries", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "http server", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutting down", err)
	}
	return nil
}
