// Package vector provides exact nearest-neighbour search over fixed-dimension vectors.
package vector

import "context"

// VectorIndex stores vectors by insertion position and answers nearest-neighbour queries
// by squared Euclidean distance.
type VectorIndex interface {
	// Insert appends vector and returns its position (the next free ordinal).
	Insert(ctx context.Context, vector []float32) (int, error)
	// SearchNearest returns the closest stored vector, or nil when the index is empty.
	SearchNearest(ctx context.Context, query []float32) (*Neighbor, error)
	// Search returns up to k neighbours ordered by ascending distance.
	Search(ctx context.Context, query []float32, k int) ([]*Neighbor, error)
	Size() int
	Dimensions() int
	// Reset removes every vector; the next Insert returns position 0.
	Reset() error
	Close() error
	Type() string
}

// Neighbor is a single search hit. Distance is the squared L2 distance to the query.
type Neighbor struct {
	Position int
	Distance float64
}
