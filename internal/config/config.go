// Package config provides configuration loading and structs for the kioku cache.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Generator GeneratorConfig `yaml:"generator"`
	Index     IndexConfig     `yaml:"index"`
	Watch     WatchConfig     `yaml:"watch"`
	Warm      WarmConfig      `yaml:"warm"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CacheConfig holds the semantic cache settings.
type CacheConfig struct {
	StorePath          string        `yaml:"store_path"`
	StoreBackend       string        `yaml:"store_backend"`
	EmbeddingDim       int           `yaml:"embedding_dim"`
	EuclideanThreshold float64       `yaml:"euclidean_threshold"`
	ClearOnStart       bool          `yaml:"clear_on_start"`
	EmbedTimeout       time.Duration `yaml:"embed_timeout"`
	GenerateTimeout    time.Duration `yaml:"generate_timeout"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	ModelPath string        `yaml:"model_path"`
	MaxTokens int           `yaml:"max_tokens"`
	CacheSize int           `yaml:"cache_size"`
	URL       string        `yaml:"url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	Format    string        `yaml:"format"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GeneratorConfig configures the answer provider.
type GeneratorConfig struct {
	Provider   string        `yaml:"provider"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	AuthScheme string        `yaml:"auth_scheme"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
	Burst      int           `yaml:"burst"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the generator circuit breaker.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// IndexConfig holds vector and question index settings.
type IndexConfig struct {
	Type    string `yaml:"type"`
	Keyword *bool  `yaml:"keyword"`
}

// KeywordEnabled reports whether the question index is built; defaults to true when unset.
func (i *IndexConfig) KeywordEnabled() bool {
	if i.Keyword != nil {
		return *i.Keyword
	}
	return true
}

// WatchConfig holds hot-reload and warm drop directory settings.
type WatchConfig struct {
	Config     bool          `yaml:"config"`
	WarmDir    string        `yaml:"warm_dir"`
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
}

// WarmConfig holds warm-up retry settings.
type WarmConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Load reads and parses the config file at path, expands ${VAR} references and paths,
// and applies defaults. A .env file next to the config is loaded first without
// overriding variables that are already set.
func Load(path string) (*Config, error) {
	configDir := filepath.Dir(path)
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)

	cfg.Cache.StorePath = expandPath(cfg.Cache.StorePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	if cfg.Watch.WarmDir != "" {
		cfg.Watch.WarmDir = expandPath(cfg.Watch.WarmDir, configDir)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg
}

// applyEnv fills secrets from the environment when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Generator.APIKey == "" {
		cfg.Generator.APIKey = os.Getenv("KIOKU_GENERATOR_API_KEY")
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("KIOKU_EMBEDDING_API_KEY")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Cache.EmbeddingDim <= 0 {
		return fmt.Errorf("cache.embedding_dim must be positive, got %d", c.Cache.EmbeddingDim)
	}
	if c.Cache.EuclideanThreshold < 0 {
		return fmt.Errorf("cache.euclidean_threshold must not be negative, got %v", c.Cache.EuclideanThreshold)
	}
	switch c.Cache.StoreBackend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("cache.store_backend must be json or sqlite, got %q", c.Cache.StoreBackend)
	}
	switch c.Index.Type {
	case "memory", "faiss":
	default:
		return fmt.Errorf("index.type must be memory or faiss, got %q", c.Index.Type)
	}
	switch c.Embedding.Provider {
	case "mock", "onnx":
	case "http":
		if c.Embedding.URL == "" {
			return fmt.Errorf("embedding.url is required for the http provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be mock, onnx or http, got %q", c.Embedding.Provider)
	}
	switch c.Generator.Provider {
	case "mock":
	case "http":
		if c.Generator.URL == "" {
			return fmt.Errorf("generator.url is required for the http provider")
		}
	default:
		return fmt.Errorf("generator.provider must be mock or http, got %q", c.Generator.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Warm.MaxRetries < 0 {
		return fmt.Errorf("warm.max_retries must not be negative, got %d", c.Warm.MaxRetries)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	path = strings.TrimPrefix(path, "~/")
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
