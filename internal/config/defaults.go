package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 2 * time.Minute
	}
	if cfg.Cache.StorePath == "" {
		cfg.Cache.StorePath = "/usr/local/var/kioku/data/cache.json"
	}
	if cfg.Cache.StoreBackend == "" {
		cfg.Cache.StoreBackend = "json"
	}
	if cfg.Cache.EmbeddingDim == 0 {
		cfg.Cache.EmbeddingDim = 768
	}
	// zero means unset; an exact-match-only cache is not useful
	if cfg.Cache.EuclideanThreshold == 0 {
		cfg.Cache.EuclideanThreshold = 0.3
	}
	if cfg.Cache.EmbedTimeout == 0 {
		cfg.Cache.EmbedTimeout = 30 * time.Second
	}
	if cfg.Cache.GenerateTimeout == 0 {
		cfg.Cache.GenerateTimeout = 60 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/kioku/data/models/bert-base-uncased.onnx"
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Format == "" {
		cfg.Embedding.Format = "openai"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "http"
	}
	if cfg.Generator.AuthScheme == "" {
		cfg.Generator.AuthScheme = "Bearer"
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = 60 * time.Second
	}
	if cfg.Generator.Burst == 0 {
		cfg.Generator.Burst = 1
	}
	if cfg.Generator.Breaker.ConsecutiveFailures == 0 {
		cfg.Generator.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Generator.Breaker.Cooldown == 0 {
		cfg.Generator.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "memory"
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".csv", ".pdf", ".docx", ".odt", ".rtf", ".xlsx", ".ods"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 400 * time.Millisecond
	}
	if cfg.Warm.MaxRetries == 0 {
		cfg.Warm.MaxRetries = 3
	}
	if cfg.Warm.InitialInterval == 0 {
		cfg.Warm.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Warm.MaxInterval == 0 {
		cfg.Warm.MaxInterval = 10 * time.Second
	}
}
