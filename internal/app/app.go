// Package app wires the copy trader together and runs the configured mode:
// the live mirror loop, the trade recorder, or both, plus the optional HTTP
// server and archiver.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polycopy/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	watcher *config.Watcher
	logger  *slog.Logger
	closers []func()
}

// New creates an App. watcher may be nil, which disables hot reload.
func New(cfg *config.Config, watcher *config.Watcher, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		watcher: watcher,
		logger:  logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks in the selected mode until ctx is
// cancelled or a mode fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("dry_run", a.cfg.DryRun),
		slog.Int("traders", len(a.cfg.EnabledTraders())),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "mirror":
		return a.MirrorMode(ctx, deps)
	case "record":
		return a.RecordMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close runs the cleanup functions in reverse registration order. It is safe
// to call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
