//go:build faiss && cgo
// +build faiss,cgo

package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/kioku/internal/cacheerr"
)

func TestFAISSIndex_InsertSearch(t *testing.T) {
	idx, err := NewFAISSIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	for i, v := range vecs {
		pos, err := idx.Insert(ctx, v)
		if err != nil {
			t.Fatal(err)
		}
		if pos != i {
			t.Errorf("Insert position=%d, want %d", pos, i)
		}
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d, want 3", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Position != 0 {
		t.Errorf("top result should be position 0, got %d", results[0].Position)
	}
}

func TestFAISSIndex_SearchNearestEmpty(t *testing.T) {
	idx, err := NewFAISSIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	n, err := idx.SearchNearest(context.Background(), []float32{1, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if n != nil {
		t.Errorf("expected nil on empty index, got %+v", n)
	}
}

func TestFAISSIndex_TieBreak(t *testing.T) {
	idx, err := NewFAISSIndex(2)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()
	_, _ = idx.Insert(ctx, []float32{0, 1})
	_, _ = idx.Insert(ctx, []float32{1, 0})
	_, _ = idx.Insert(ctx, []float32{1, 0})

	n, err := idx.SearchNearest(ctx, []float32{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if n.Position != 1 {
		t.Errorf("tie should resolve to position 1, got %d", n.Position)
	}
}

func TestFAISSIndex_Reset(t *testing.T) {
	idx, err := NewFAISSIndex(2)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()
	_, _ = idx.Insert(ctx, []float32{1, 0})
	if err := idx.Reset(); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 0 {
		t.Errorf("Size after Reset=%d", idx.Size())
	}
	pos, _ := idx.Insert(ctx, []float32{1, 0})
	if pos != 0 {
		t.Errorf("position after Reset=%d, want 0", pos)
	}
}

func TestFAISSIndex_DimensionMismatch(t *testing.T) {
	idx, err := NewFAISSIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	_, err = idx.Insert(ctx, []float32{1, 0})
	if !errors.Is(err, cacheerr.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch on Insert, got %v", err)
	}

	_, _ = idx.Insert(ctx, []float32{1, 0, 0})
	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	if !errors.Is(err, cacheerr.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch on Search, got %v", err)
	}
}

func TestFAISSIndex_InvalidDimension(t *testing.T) {
	if _, err := NewFAISSIndex(0); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewFAISSIndex(-1); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestFAISSIndex_Type(t *testing.T) {
	idx, err := NewFAISSIndex(2)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if got := idx.Type(); got != "faiss" {
		t.Errorf("Type() = %q, want %q", got, "faiss")
	}
}
