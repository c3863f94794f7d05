// Command polycopy is the entry point for the Polymarket copy trader. It loads
// configuration, validates it, sets up signal handling, and runs the
// configured mode. The status, config and encrypt-key subcommands inspect a
// deployment without starting it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/polycopy/internal/app"
	"github.com/alanyoungcy/polycopy/internal/config"
	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/store/file"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: polycopy [-config path] [run|status|config|encrypt-key]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cmd := flag.Arg(0)
	if cmd == "encrypt-key" {
		if err := encryptKey(flag.Args()[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := validateFor(cmd, cfg); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	switch cmd {
	case "", "run":
		os.Exit(run(cfg, *configPath, logger))
	case "status":
		err = printStatus(cfg)
	case "config":
		err = printJSON(config.RedactedConfig(cfg))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, path string, logger *slog.Logger) int {
	logger.Info("polycopy starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", path),
		slog.Bool("dry_run", cfg.DryRun),
	)

	watcher := config.NewWatcher(path, cfg, logger)
	defer watcher.Close()

	application := app.New(cfg, watcher, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("polycopy stopped")
	return 0
}

// validateFor checks what cmd needs. Only run needs the full configuration;
// status and config inspect a deployment and work without credentials.
func validateFor(cmd string, cfg *config.Config) error {
	switch cmd {
	case "", "run":
		return cfg.Validate()
	case "status":
		if cfg.State.StatusPath == "" {
			return errors.New("state: status_path must not be empty")
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// printStatus prints the last snapshot written by a running mirror loop.
func printStatus(cfg *config.Config) error {
	snap, err := file.NewStatusStore(cfg.State.StatusPath).ReadStatus(context.Background())
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no status at %s, is the mirror running?", cfg.State.StatusPath)
	}
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// encryptKey writes a password-encrypted private key file usable as
// account.encrypted_key_path. The key and password are read from the
// environment so they stay out of shell history.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "key.enc", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := os.Getenv("POLYCOPY_ACCOUNT_PRIVATE_KEY")
	password := os.Getenv("POLYCOPY_ACCOUNT_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("POLYCOPY_ACCOUNT_PRIVATE_KEY and POLYCOPY_ACCOUNT_KEY_PASSWORD must be set")
	}
	data, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}
