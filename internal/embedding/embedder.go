// Package embedding turns question text into fixed-dimension vectors.
//
// Implementations must be deterministic: the same text yields the same vector.
// The semantic cache relies on this both for hits and for the memo in CachedEmbedder.
package embedding

import "context"

// DefaultDimensions is the embedding width of the reference BERT-style models.
const DefaultDimensions = 768

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Provider names an Embedder implementation in configuration.
type Provider string

const (
	ProviderMock Provider = "mock"
	ProviderONNX Provider = "onnx"
	ProviderHTTP Provider = "http"
)

// embedEach is the EmbedBatch used by embedders without a native batch call.
func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
