package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperjump/kioku/internal/cacheerr"
)

// HTTPFormat selects the request shape of a remote embeddings endpoint.
type HTTPFormat string

const (
	// FormatOpenAI posts {"model", "input"} and reads data[0].embedding.
	FormatOpenAI HTTPFormat = "openai"
	// FormatOllama posts {"model", "prompt"} and reads embedding.
	FormatOllama HTTPFormat = "ollama"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	URL        string
	Model      string
	APIKey     string
	Format     HTTPFormat
	Dimensions int
	Timeout    time.Duration
}

// HTTPEmbedder calls a remote embeddings endpoint.
type HTTPEmbedder struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPEmbedder validates cfg and returns an embedder. client may be nil.
func NewHTTPEmbedder(cfg HTTPConfig, client *http.Client) (*HTTPEmbedder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("embedding url is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.Format == "" {
		cfg.Format = FormatOpenAI
	}
	if cfg.Format != FormatOpenAI && cfg.Format != FormatOllama {
		return nil, fmt.Errorf("unknown embedding format: %s (supported: openai, ollama)", cfg.Format)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPEmbedder{cfg: cfg, client: client}, nil
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embedding []float32 `json:"embedding"`
}

// Embed posts text to the endpoint and returns the vector. Non-2xx responses are
// returned as EmbeddingError, transient for 429 and 5xx.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]string{"model": e.cfg.Model}
	if e.cfg.Format == FormatOllama {
		body["prompt"] = text
	} else {
		body["input"] = text
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, cacheerr.NewEmbeddingError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, cacheerr.NewEmbeddingError(fmt.Errorf("read embedding response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &cacheerr.EmbeddingError{
			Err:       fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, cacheerr.NewEmbeddingError(fmt.Errorf("decode embedding response: %w", err))
	}
	vec := parsed.Embedding
	if len(parsed.Data) > 0 {
		vec = parsed.Data[0].Embedding
	}
	if len(vec) == 0 {
		return nil, cacheerr.NewEmbeddingError(fmt.Errorf("embedding response has no vector"))
	}
	return vec, nil
}

// EmbedBatch calls Embed for each text.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the configured dimension. The endpoint is trusted to match it;
// the cache rejects vectors that do not.
func (e *HTTPEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
