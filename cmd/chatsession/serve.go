package main

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
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chatsession/internal/app"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket chat API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn("cleanup failed", zap.Error(err))
				}
			}()

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           built.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			built.Sessions.StartJanitor(gctx, cfg.JanitorInterval)

			g.Go(func() error {
				logger.Info("server listening",
					zap.String("addr", cfg.BindAddr),
					zap.Strings("assistants", built.AssistantTypes()),
					zap.String("storage_driver", cfg.StorageDriver),
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn("graceful shutdown failed", zap.Error(err))
					_ = httpServer.Close()
				}
				built.Sessions.FlushAll(shutdownCtx)
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "override APP_BIND_ADDR")
	return cmd
}
