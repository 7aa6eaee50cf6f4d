package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kioku/internal/answer"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

func BenchmarkAsk_Hit(b *testing.B) {
	const dims = 384
	ctx := context.Background()
	idx, _ := vector.NewMemoryIndex(dims)
	store := storage.NewJSONStore(filepath.Join(b.TempDir(), "cache.json"), dims)
	c, err := New(embedding.NewMockEmbedder(dims), answer.NewMockProvider(), idx, store)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()
	if err := c.Load(ctx); err != nil {
		b.Fatal(err)
	}
	if _, err := c.Ask(ctx, "benchmark question"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Ask(ctx, "benchmark question"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}
