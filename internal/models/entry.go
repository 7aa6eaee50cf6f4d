// Package models defines the cache entry, answer payload, and API shapes shared across packages.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is one committed question/answer pair. Position equals the entry's insertion
// order and the identifier of its vector in the vector index.
type CacheEntry struct {
	Position     int             `json:"position"`
	Question     string          `json:"question"`
	Embedding    []float32       `json:"-"`
	Answer       json.RawMessage `json:"answer"`
	ResponseText string          `json:"response_text"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate committed entries.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Answer != nil {
		c.Answer = append(json.RawMessage(nil), e.Answer...)
	}
	return &c
}

// Answer is what the answer provider returns for a question: the full structured payload,
// kept for auditability, and the human-readable text extracted from it.
type Answer struct {
	Payload      json.RawMessage `json:"payload"`
	ResponseText string          `json:"response_text"`
}
