// Package app owns the ledger service lifecycle. It wires the stores,
// caches, archive, services and notifications, then runs one operating
// mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger. Command
// results are printed to stdout.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// Run wires all dependencies and runs the configured mode with args as its
// positional arguments. Long-running modes block until ctx is cancelled.
func (a *App) Run(ctx context.Context, args []string) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return a.dispatch(ctx, deps, args)
}

func (a *App) dispatch(ctx context.Context, deps *Dependencies, args []string) error {
	switch strings.ToLower(a.cfg.Mode) {
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "apply":
		if len(args) != 1 {
			return fmt.Errorf("app: usage: apply <snapshot.json>")
		}
		return a.ApplyMode(ctx, deps, args[0])
	case "import":
		if len(args) != 2 {
			return fmt.Errorf("app: usage: import <account> <closed.json>")
		}
		return a.ImportMode(ctx, deps, args[0], args[1])
	case "replay":
		if len(args) != 1 {
			return fmt.Errorf("app: usage: replay <account>")
		}
		return a.ReplayMode(ctx, deps, args[0])
	case "admin":
		return a.AdminMode(ctx, deps, args)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
