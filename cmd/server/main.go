// Package main is the entry point for the configuration hot-reload host:
// a cobra root command with serve/validate/reload subcommands, wiring
// every internal/reload component together and exposing the control
// surface HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/reloadcore/internal/api"
	"github.com/anthropics/reloadcore/internal/api/handlers"
	"github.com/anthropics/reloadcore/internal/config"
	"github.com/anthropics/reloadcore/internal/reload"
	"github.com/anthropics/reloadcore/internal/reload/audit"
	"github.com/anthropics/reloadcore/pkg/logger"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "reloadcore",
	Short:   "Zero-downtime configuration hot-reload engine",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to host configuration YAML file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reloadCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hot-reload engine and control-surface HTTP API",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configured files and run the validation pipeline once, without applying",
	RunE:  runValidate,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running host to reload now via its control surface (POST /control/reload with force)",
	RunE:  runReload,
}

// components bundles every wired piece so serve/validate share one
// construction path.
type components struct {
	cfg          *config.Config
	logger       *slog.Logger
	watcher      *reload.FileWatcher
	snapshots    *reload.SnapshotStore
	validation   *reload.ValidationPipeline
	registry     *reload.EndpointRegistry
	pool         *reload.PgxDatabasePool
	updater      *reload.AtomicUpdateManager
	metrics      *reload.Metrics
	auditLog     *audit.Log
	orchestrator *reload.ReloadOrchestrator
}

func buildComponents() (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	watcher := reload.NewFileWatcher(log)
	snapshots := reload.NewSnapshotStore(cfg.SnapshotStore.MaxHistory)
	validation := reload.NewValidationPipeline(log, snapshots)
	registry := reload.NewEndpointRegistry(nil)
	registry.SetRouter(reload.NewMuxRouter())
	pool := reload.NewPgxDatabasePool(log)
	updater := reload.NewAtomicUpdateManager(log, registry, pool)
	metrics := reload.NewMetrics()

	var auditLog *audit.Log
	if cfg.AuditLog.Path != "" {
		auditLog, err = audit.Open(context.Background(), cfg.AuditLog.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	var auditSink reload.AuditSink
	if auditLog != nil {
		auditSink = auditLog
	}

	orchestrator := reload.NewReloadOrchestrator(
		log,
		reload.Config{
			Enabled:             cfg.HotReload.Enabled,
			WatchDirectories:    cfg.HotReload.WatchDirectories,
			GlobPatterns:        cfg.HotReload.GlobPatterns,
			DebounceMs:          cfg.HotReload.DebounceMs,
			MaxAttempts:         cfg.HotReload.MaxAttempts,
			RollbackOnFailure:   cfg.HotReload.RollbackOnFailure,
			ValidateBeforeApply: cfg.HotReload.ValidateBeforeApply,
			MaxHistory:          cfg.SnapshotStore.MaxHistory,
		},
		watcher,
		snapshots,
		validation,
		updater,
		registry,
		reload.NewYAMLParser(),
		metrics,
		auditSink,
	)

	return &components{
		cfg:          cfg,
		logger:       log,
		watcher:      watcher,
		snapshots:    snapshots,
		validation:   validation,
		registry:     registry,
		pool:         pool,
		updater:      updater,
		metrics:      metrics,
		auditLog:     auditLog,
		orchestrator: orchestrator,
	}, nil
}

func (c *components) close() {
	if c.auditLog != nil {
		_ = c.auditLog.Close()
	}
	c.pool.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.orchestrator.Initialize(); err != nil {
		c.logger.Error("failed to initialize reload orchestrator", "error", err)
		return err
	}
	defer c.orchestrator.Shutdown()

	var auditReader handlers.AuditReader
	if c.auditLog != nil {
		auditReader = c.auditLog
	}

	routerCfg := api.DefaultRouterConfig(c.logger)
	routerCfg.RateLimitPerMinute = c.cfg.ControlSurface.RateLimitPerMinute
	routerCfg.RateLimitBurst = c.cfg.ControlSurface.RateLimitBurst
	routerCfg.Orchestrator = c.orchestrator
	routerCfg.AuditLog = auditReader
	router := api.NewRouter(routerCfg)

	server := &http.Server{
		Addr:    c.cfg.ControlSurface.Addr,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		c.logger.Info("control surface listening", "addr", c.cfg.ControlSurface.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("control surface failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	c.logger.Info("shutting down")

	shutdownTimeout := c.cfg.ControlSurface.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		c.logger.Error("control surface forced to shutdown", "error", err)
		return err
	}
	c.logger.Info("shutdown complete")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	outcome, err := c.orchestrator.TriggerReload(context.Background(), reload.ReloadRequest{
		RequestID:    "cli-validate",
		Trigger:      reload.TriggerManual,
		ValidateOnly: true,
	})
	fmt.Printf("outcome: %s\n", outcome)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	return nil
}

// runReload asks an already-running host to reload via its control
// surface, so the CLI acts on the live process instead of spinning up a
// second engine against the same files.
func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := cfg.ControlSurface.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/control/reload", addr)

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Post(url, "application/json", strings.NewReader(`{"force":true}`))
	if err != nil {
		return fmt.Errorf("is the host running? POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read reload response: %w", err)
	}
	fmt.Printf("%s\n", body)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	return nil
}
