package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/avamtls/internal/gateway"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// runGateway starts the gateway and blocks until a shutdown signal.
func runGateway(ctx context.Context, gw *gateway.Gateway, logger observability.Logger) {
	if err := gw.Start(ctx); err != nil {
		fatalWithSync(logger, "failed to start gateway", observability.Error(err))
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waitForShutdown(ctx, gw, sigCh, logger)
}

// waitForShutdown waits for a signal, or ctx, and stops the gateway.
func waitForShutdown(ctx context.Context, gw *gateway.Gateway, sigCh <-chan os.Signal, logger observability.Logger) {
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	logger.Info("avamtls stopped")
}
