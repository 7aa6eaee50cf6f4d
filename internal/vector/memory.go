package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/internal/cacheerr"
)

// MemoryIndex is an exact in-memory index using brute-force squared L2 search.
// Ties on distance resolve to the lowest position.
type MemoryIndex struct {
	dimensions int
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		vectors:    make([][]float32, 0),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the fixed vector length.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Insert copies vector into the index and returns its position.
func (m *MemoryIndex) Insert(ctx context.Context, vector []float32) (int, error) {
	if err := cacheerr.CheckVector(vector, m.dimensions); err != nil {
		return 0, err
	}
	vec := make([]float32, m.dimensions)
	copy(vec, vector)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = append(m.vectors, vec)
	return len(m.vectors) - 1, nil
}

// SearchNearest returns the single closest vector, or nil when the index is empty.
func (m *MemoryIndex) SearchNearest(ctx context.Context, query []float32) (*Neighbor, error) {
	if err := cacheerr.CheckVector(query, m.dimensions); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.vectors) == 0 {
		return nil, nil
	}
	best := &Neighbor{Position: 0, Distance: SquaredL2(query, m.vectors[0])}
	for i := 1; i < len(m.vectors); i++ {
		// strict less-than keeps the lowest position on ties
		if d := SquaredL2(query, m.vectors[i]); d < best.Distance {
			best.Position = i
			best.Distance = d
		}
	}
	return best, nil
}

// Search returns the top-k vectors by ascending squared L2 distance.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*Neighbor, error) {
	if err := cacheerr.CheckVector(query, m.dimensions); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.vectors) == 0 {
		return nil, nil
	}
	scored := make([]*Neighbor, len(m.vectors))
	for i, vec := range m.vectors {
		scored[i] = &Neighbor{Position: i, Distance: SquaredL2(query, vec)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Reset drops all vectors.
func (m *MemoryIndex) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = make([][]float32, 0)
	return nil
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
