package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"addon-home/internal/addon"
	"addon-home/internal/document"
	"addon-home/internal/events"
	"addon-home/internal/manager"
	"addon-home/internal/metrics"
	"addon-home/internal/scripting"
	"addon-home/internal/store"
	"addon-home/internal/watcher"
	"addon-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "addon-home [config.yaml]",
		Short: "Script add-on manager",
		Long: `addon-home installs script add-ons described by XML documents,
validates every script they contribute, persists them and serves them
over a REST API, a WebSocket event stream and an optional MQTT bridge.

Without a subcommand it runs the server, same as "serve".`,
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath(args))
		},
	}
	root.AddCommand(newServeCommand(), newCheckCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.yaml]",
		Short: "Run the add-on server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath(args))
		},
	}
}

func newCheckCommand() *cobra.Command {
	var scriptsDir string
	cmd := &cobra.Command{
		Use:   "check <addon.xml>",
		Short: "Load an add-on document and print its scripts",
		Long: `Parse and validate one add-on document without installing it.
Each script is printed as name(EXECUTION_MODE/menuTitleKey/menuLocation).
Lua scripts are syntax-checked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			return runCheck(cmd.OutOrStdout(), args[0], scriptsDir, logger)
		},
	}
	cmd.Flags().StringVar(&scriptsDir, "scripts-dir", "scripts", "directory legacy script names resolve against")
	return cmd
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "config.yaml"
}

func runCheck(w io.Writer, path, scriptsDir string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	root, err := document.Decode(f)
	if err != nil {
		return err
	}
	p, err := addon.ParseProperties(root, addon.LoaderOptions{UserScriptDir: scriptsDir, Logger: logger})
	if err != nil {
		return err
	}

	checker := scripting.NewChecker(logger)
	fmt.Fprintf(w, "%s %s (%d scripts)\n", p.Name, p.Version, len(p.Scripts))
	for _, s := range p.Scripts {
		if err := checker.Check(s.FilePath); err != nil {
			return fmt.Errorf("script %s: %w", s.Name, err)
		}
		fmt.Fprintf(w, "  %s\n", s)
	}
	return nil
}

func runServe(cfgPath string) error {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return err
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("addon-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		return err
	}
	defer db.Close()

	bus := events.NewBus(logger)
	mgr, err := manager.New(db, bus, manager.Config{UserScriptDir: cfg.ScriptsDir}, logger)
	if err != nil {
		logger.Error("create add-on manager", "err", err)
		return err
	}
	if err := mgr.Restore(); err != nil {
		logger.Error("restore add-ons", "err", err)
		return err
	}
	if _, err := mgr.LoadDir(cfg.AddOnsDir); err != nil {
		logger.Error("load add-ons dir", "err", err)
		return err
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	if cfg.Metrics.Enabled {
		collector := metrics.New(mgr, bus, logger)
		defer collector.Stop()
		webOpts = append(webOpts, web.WithMetrics(collector))
	}
	webServer := web.NewServer(mgr, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(mgr, bus, cfg, logger)

	var dirWatcher *watcher.Watcher
	if cfg.WatchAddOnsDir {
		dirWatcher = watcher.New(mgr, cfg.AddOnsDir, logger)
		if err := dirWatcher.Start(); err != nil {
			logger.Warn("add-ons dir watcher disabled", "dir", cfg.AddOnsDir, "err", err)
			dirWatcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if dirWatcher != nil {
		if err := dirWatcher.Stop(); err != nil {
			logger.Error("add-ons dir watcher stop", "err", err)
		}
	}
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return nil
}
