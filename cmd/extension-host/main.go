// Package main is the entry point for the extension host harness. It
// loads every extension package under the configured plugins directory,
// activates each one with its declared capabilities granted in full, and
// runs until signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/hivedesk/internal/config"
	"github.com/dshills/hivedesk/internal/extension"
	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("extension-host %s (%s)\n", version, commit)
		return 0
	}

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	secret, err := cfg.Secret()
	if err != nil {
		logger.Error("token secret unavailable", "error", err)
		return 1
	}

	opts := []extension.SystemOption{extension.WithLogger(logger)}
	if cfg.HistoryCapacity > 0 {
		opts = append(opts, extension.WithHistoryCapacity(cfg.HistoryCapacity))
	}
	if cfg.ViolationCapacity > 0 {
		opts = append(opts, extension.WithViolationCapacity(cfg.ViolationCapacity))
	}

	sys, err := extension.NewSystem(secret, opts...)
	if err != nil {
		logger.Error("failed to construct runtime", "error", err)
		return 1
	}

	ctx := context.Background()
	activated := activateAll(ctx, sys, cfg, logger)
	logger.Info("extension host running", "activated", activated, "version", version)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sys.Shutdown(shutdownCtx)
	return 0
}

// activateAll walks the plugins directory, one extension package per
// subdirectory, and activates each. The harness grants every declared
// capability; a hosting application would narrow the grant per user
// consent. Activation failures are logged and skipped, never fatal.
func activateAll(ctx context.Context, sys *extension.System, cfg *config.Config, logger *slog.Logger) int {
	entries, err := os.ReadDir(cfg.PluginsDir)
	if err != nil {
		logger.Warn("plugins directory unreadable", "dir", cfg.PluginsDir, "error", err)
		return 0
	}

	activated := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pkgDir := filepath.Join(cfg.PluginsDir, entry.Name())
		if err := activateOne(ctx, sys, cfg, pkgDir); err != nil {
			logger.Warn("activation failed", "package", entry.Name(), "error", err)
			continue
		}
		activated++
	}
	return activated
}

func activateOne(ctx context.Context, sys *extension.System, cfg *config.Config, pkgDir string) error {
	man, err := manifest.Load(filepath.Join(pkgDir, "manifest.json"))
	if err != nil {
		return err
	}
	entryCode, err := os.ReadFile(filepath.Join(pkgDir, man.Entry))
	if err != nil {
		return fmt.Errorf("entry code unreadable: %w", err)
	}

	inst := &manifest.Installation{
		ID:                 uuid.NewString(),
		PluginID:           man.ID,
		Version:            man.Version,
		GrantedPermissions: man.Permissions,
		GrantedScopes:      man.Scopes,
		InstalledAt:        time.Now(),
	}
	if d := cfg.SandboxTimeout(); d > 0 {
		inst.Limits = &manifest.LimitHints{TimeoutMillis: int64(d / time.Millisecond)}
	}
	return sys.Activate(ctx, inst, man, string(entryCode))
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
