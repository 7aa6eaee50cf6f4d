// Package main is the kioku CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kioku/config.yaml"
	localConfigName   = "kioku.yaml"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	serverURL  string
	output     string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "kioku",
		Short:         "Kioku: a semantic cache for question answering",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "", "talk to a running server at this URL instead of opening the store")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout in server mode")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newStatusCmd(opts),
		newEntriesCmd(opts),
		newClearCmd(opts),
		newWarmCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads config from path. When path is the default, kioku.yaml in the
// current directory wins if it exists, and a missing default file yields the built-in
// defaults unvalidated, so a missing generator url surfaces when the provider is built.
// Returns the config and the path actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, localConfigName)
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
		if path == defaultConfigPath {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return config.Default(), "", nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// openCache loads config and opens the cache in-process for a one-shot command.
func openCache(ctx context.Context, opts *rootOptions) (*Components, *config.Config, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if cfg.Debug {
		level = "debug"
	}
	logger, err := utils.NewLoggerWithLevel(level)
	if err != nil {
		return nil, nil, err
	}
	// clear_on_start only applies to serve.
	cfg.Cache.ClearOnStart = false
	comps, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return comps, cfg, nil
}

func (o *rootOptions) format() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(o.output)
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.serverURL, o.timeout)
}

// buildQuestion joins positional args into one question.
func buildQuestion(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// toAskResponse converts an in-process ask result. A non-nil err alongside res is a
// persistence warning.
func toAskResponse(res *cache.Result, err error) *models.AskResponse {
	resp := &models.AskResponse{
		ResponseText: res.ResponseText,
		Hit:          res.Hit,
		Coalesced:    res.Coalesced,
		Position:     res.Position,
		Distance:     res.Distance,
		Persisted:    res.Persisted,
	}
	if err != nil {
		resp.Warning = err.Error()
	}
	return resp
}

func closeComponents(comps *Components) {
	if err := comps.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kioku %s\n", version)
		},
	}
}

// logStartup logs the effective configuration of a serve run.
func logStartup(logger *zap.Logger, cfg *config.Config, path string) {
	source := path
	if source == "" {
		source = "built-in defaults"
	}
	logger.Info("configuration loaded",
		zap.String("config", source),
		zap.String("store", cfg.Cache.StorePath),
		zap.String("store_backend", cfg.Cache.StoreBackend),
		zap.Int("embedding_dim", cfg.Cache.EmbeddingDim),
		zap.Float64("euclidean_threshold", cfg.Cache.EuclideanThreshold),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("generator_provider", cfg.Generator.Provider))
}
