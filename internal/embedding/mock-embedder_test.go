package embedding

import (
	"context"
	"math"
	"testing"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, err := e.Embed(ctx, "what is the refund policy")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(ctx, "what is the refund policy")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at %d: %v vs %v", i, a[i], b[i])
		}
	}

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Errorf("embedding should be unit length, |v|^2=%v", sum)
	}
}

func TestMockEmbedder_DefaultDimensions(t *testing.T) {
	e := NewMockEmbedder(0)
	if e.Dimensions() != DefaultDimensions {
		t.Errorf("Dimensions=%d, want %d", e.Dimensions(), DefaultDimensions)
	}
	v, _ := e.Embed(context.Background(), "x")
	if len(v) != DefaultDimensions {
		t.Errorf("len=%d", len(v))
	}
}

func TestMockEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockEmbedder(4).Embed(ctx, "x"); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestMockEmbedder_EmbedBatch(t *testing.T) {
	e := NewMockEmbedder(8)
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || len(out[1]) != 8 {
		t.Errorf("unexpected batch shape")
	}
}
