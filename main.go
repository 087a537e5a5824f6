// happy-daemon - the machine-side agent-control daemon of the happy
// remote coding platform.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happyhq/happy-daemon/internal/auth"
	"github.com/happyhq/happy-daemon/internal/config"
	"github.com/happyhq/happy-daemon/internal/daemon"
	"github.com/happyhq/happy-daemon/internal/logging"
)

func main() {
	logging.Setup()
	slog.Info("Starting happy daemon", "version", daemon.Version)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	inspectToken(cfg.Token)

	d, err := daemon.New(cfg, nil, slog.Default())
	if err != nil {
		slog.Error("Failed to create daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Daemon error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	case source := <-d.ShutdownRequested():
		slog.Info("Shutdown requested", "source", source)
	}

	// Give the run loop a bounded window to tear sessions and uploads down.
	cancel()
	select {
	case <-errCh:
	case <-time.After(30 * time.Second):
		slog.Warn("Shutdown timed out")
	}

	slog.Info("happy daemon stopped")
}

// inspectToken logs what can be learned from the access token without
// verifying it. Opaque tokens are fine; expiring JWTs get a warning.
func inspectToken(token string) {
	info, err := auth.Inspect(token)
	if err != nil {
		slog.Debug("access token is opaque", "fingerprint", info.Fingerprint)
		return
	}
	slog.Info("access token loaded", "fingerprint", info.Fingerprint, "subject", info.Subject)
	if info.ExpiresWithin(24 * time.Hour) {
		slog.Warn("access token expires soon", "expiresAt", info.ExpiresAt)
	}
}
