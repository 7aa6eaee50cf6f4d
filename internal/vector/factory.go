package vector

import (
	"fmt"
	"strings"
)

// IndexType names a VectorIndex implementation.
type IndexType string

const (
	// IndexTypeMemory is the exact brute-force index; it is always available.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS is a FAISS IndexFlatL2, also exact. Needs -tags=faiss and libfaiss_c.
	IndexTypeFAISS IndexType = "faiss"
)

// ParseIndexType accepts "memory", "faiss" or "" (memory), case-insensitively.
func ParseIndexType(s string) (IndexType, error) {
	switch t := IndexType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", IndexTypeMemory:
		return IndexTypeMemory, nil
	case IndexTypeFAISS:
		return t, nil
	default:
		return "", fmt.Errorf("unknown index type: %s (supported: memory, faiss)", s)
	}
}

// NewVectorIndex creates an empty index of the named type with the given dimension.
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	t, err := ParseIndexType(indexType)
	if err != nil {
		return nil, err
	}
	if t == IndexTypeFAISS {
		return NewFAISSIndex(dimensions)
	}
	return NewMemoryIndex(dimensions)
}

// IsFAISSAvailable reports whether FAISS support is compiled in and the library loads.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
