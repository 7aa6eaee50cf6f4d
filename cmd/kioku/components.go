package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/answer"
	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Components holds the wired collaborators of a running cache.
type Components struct {
	Embedder embedding.Embedder
	Provider answer.Provider
	Cache    *cache.SemanticCache
}

// Close releases the cache and the embedder.
func (c *Components) Close() error {
	var errs []error
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	if c.Embedder != nil {
		errs = append(errs, c.Embedder.Close())
	}
	return errors.Join(errs...)
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	dims := cfg.Cache.EmbeddingDim

	embedder, err := newEmbedder(&cfg.Embedding, dims)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	if cfg.Embedding.CacheSize > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
	}
	comps := &Components{Embedder: embedder}

	comps.Provider, err = newProvider(&cfg.Generator, logger)
	if err != nil {
		_ = comps.Close()
		return nil, fmt.Errorf("failed to create answer provider: %w", err)
	}

	logger.Info("initializing vector index",
		zap.String("type", cfg.Index.Type),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()))
	index, err := vector.NewVectorIndex(cfg.Index.Type, dims)
	if err != nil {
		logger.Warn("failed to create requested index type, falling back to memory",
			zap.String("requested_type", cfg.Index.Type),
			zap.Error(err))
		index, err = vector.NewMemoryIndex(dims)
		if err != nil {
			_ = comps.Close()
			return nil, fmt.Errorf("failed to create vector index: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.Cache.StoreBackend, cfg.Cache.StorePath, dims)
	if err != nil {
		_ = index.Close()
		_ = comps.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	opts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithThreshold(cfg.Cache.EuclideanThreshold),
		cache.WithEmbedTimeout(cfg.Cache.EmbedTimeout),
		cache.WithGenerateTimeout(cfg.Cache.GenerateTimeout),
	}
	var questions *keyword.BleveIndex
	if cfg.Index.KeywordEnabled() {
		questions, err = keyword.NewBleveIndex()
		if err != nil {
			_ = index.Close()
			_ = store.Close()
			_ = comps.Close()
			return nil, fmt.Errorf("failed to create question index: %w", err)
		}
		opts = append(opts, cache.WithQuestionIndex(questions))
	}

	comps.Cache, err = cache.New(embedder, comps.Provider, index, store, opts...)
	if err != nil {
		_ = index.Close()
		_ = store.Close()
		if questions != nil {
			_ = questions.Close()
		}
		_ = comps.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	if cfg.Cache.ClearOnStart {
		logger.Info("clearing cache on start", zap.String("store", store.Path()))
		err = comps.Cache.Clear(ctx)
	} else {
		err = comps.Cache.Load(ctx)
	}
	if err != nil {
		_ = comps.Close()
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	return comps, nil
}

func newEmbedder(cfg *config.EmbeddingConfig, dims int) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "mock":
		return embedding.NewMockEmbedder(dims), nil
	case "onnx":
		return embedding.NewONNXEmbedder(cfg.ModelPath, dims, cfg.MaxTokens)
	case "http":
		return embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			URL:        cfg.URL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			Format:     embedding.HTTPFormat(cfg.Format),
			Dimensions: dims,
			Timeout:    cfg.Timeout,
		}, nil)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

func newProvider(cfg *config.GeneratorConfig, logger *zap.Logger) (answer.Provider, error) {
	switch cfg.Provider {
	case "mock":
		return answer.NewMockProvider(), nil
	case "http":
		return answer.NewHTTPProvider(answer.HTTPConfig{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			AuthScheme: cfg.AuthScheme,
			Timeout:    cfg.Timeout,
			RateLimit:  cfg.RateLimit,
			Burst:      cfg.Burst,
			Breaker: answer.BreakerConfig{
				Enabled:             cfg.Breaker.Enabled,
				ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
				Cooldown:            cfg.Breaker.Cooldown,
			},
		}, nil, logger)
	default:
		return nil, fmt.Errorf("unknown generator provider: %s", cfg.Provider)
	}
}
