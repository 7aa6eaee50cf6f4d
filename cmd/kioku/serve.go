package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/warmer"
	"github.com/hyperjump/kioku/internal/watcher"
	"github.com/hyperjump/kioku/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cfg, path)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cfg *config.Config, configPath string) error {
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logStartup(logger, cfg, configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	warm := warmer.New(components.Cache, warmConfig(cfg), logger)

	watchSvc, err := startWatcher(ctx, cfg, configPath, components, warm, logger)
	if err != nil {
		return err
	}
	if watchSvc != nil {
		defer watchSvc.Stop()
	}

	srv := server.NewServer(components.Cache, &cfg.Server, logger,
		server.WithWarmer(warm),
		server.WithStoreFiles(storage.StoreFiles(cfg.Cache.StoreBackend, cfg.Cache.StorePath)...))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
	return serveErr
}

// startWatcher watches the config file for threshold changes and the warm drop
// directory for question files. Returns nil when neither is enabled.
func startWatcher(ctx context.Context, cfg *config.Config, configPath string, components *Components, warm *warmer.Warmer, logger *zap.Logger) (*watcher.Watcher, error) {
	watchConfig := cfg.Watch.Config && configPath != ""
	if !watchConfig && cfg.Watch.WarmDir == "" {
		return nil, nil
	}
	// watcher events carry absolute paths
	if watchConfig {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		configPath = abs
	}

	onChange := func(path string) {
		if path == configPath {
			if err := reloadThreshold(components.Cache, path, logger); err != nil {
				logger.Warn("config reload failed, keeping current settings", zap.String("path", path), zap.Error(err))
			}
			return
		}
		report, err := warm.WarmFile(ctx, path)
		if err != nil {
			logger.Warn("warm from drop directory failed", zap.String("path", path), zap.Error(err))
			return
		}
		logger.Info("warmed from drop directory",
			zap.String("path", path),
			zap.Int("asked", report.Asked),
			zap.Int("misses", report.Misses),
			zap.Int("failed", report.Failed))
	}

	w := watcher.New(onChange, watcher.WithLogger(logger), watcher.WithDebounce(cfg.Watch.Debounce))
	if watchConfig {
		if err := w.AddFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to watch config: %w", err)
		}
	}
	if cfg.Watch.WarmDir != "" {
		if err := w.AddDir(cfg.Watch.WarmDir, cfg.Watch.Extensions); err != nil {
			return nil, fmt.Errorf("failed to watch warm directory: %w", err)
		}
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	logger.Info("watching for changes", zap.Strings("paths", w.Paths()))
	return w, nil
}

type thresholdSetter interface {
	Threshold() float64
	SetThreshold(t float64) error
}

// reloadThreshold re-reads the config at path and applies its euclidean_threshold.
// Other settings need a restart.
func reloadThreshold(c thresholdSetter, path string, logger *zap.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	prev := c.Threshold()
	if prev == cfg.Cache.EuclideanThreshold {
		return nil
	}
	if err := c.SetThreshold(cfg.Cache.EuclideanThreshold); err != nil {
		return err
	}
	logger.Info("euclidean threshold reloaded",
		zap.Float64("from", prev),
		zap.Float64("to", cfg.Cache.EuclideanThreshold))
	return nil
}

func warmConfig(cfg *config.Config) warmer.Config {
	return warmer.Config{
		MaxRetries:      cfg.Warm.MaxRetries,
		InitialInterval: cfg.Warm.InitialInterval,
		MaxInterval:     cfg.Warm.MaxInterval,
	}
}
