package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/models"
)

// jsonDocument is the on-disk layout: four arrays aligned by position.
type jsonDocument struct {
	Questions    []string          `json:"questions"`
	Embeddings   [][]float32       `json:"embeddings"`
	Answers      []json.RawMessage `json:"answers"`
	ResponseText []string          `json:"response_text"`
}

// JSONStore keeps entries in a single JSON file, rewritten on every change.
// Writes go to a temporary file in the same directory which is then renamed
// over the target, so a crash leaves either the old or the new state.
type JSONStore struct {
	entryList
	path string
	dims int
}

// NewJSONStore returns a store for path. Entries have dims-length embeddings.
func NewJSONStore(path string, dims int) *JSONStore {
	return &JSONStore{path: path, dims: dims}
}

// Path returns the store file path.
func (s *JSONStore) Path() string {
	return s.path
}

// Load reads and validates the file. A missing file is an empty store.
func (s *JSONStore) Load(ctx context.Context) ([]*models.CacheEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.replace(nil), nil
		}
		return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: "unreadable", Err: err}
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: "invalid JSON", Err: err}
	}

	n := len(doc.Questions)
	if len(doc.Embeddings) != n || len(doc.Answers) != n || len(doc.ResponseText) != n {
		return nil, &cacheerr.CorruptStoreError{
			Path: s.path,
			Reason: fmt.Sprintf("sequence length mismatch: questions=%d embeddings=%d answers=%d response_text=%d",
				n, len(doc.Embeddings), len(doc.Answers), len(doc.ResponseText)),
		}
	}

	entries := make([]*models.CacheEntry, n)
	for i := 0; i < n; i++ {
		if len(doc.Embeddings[i]) != s.dims {
			return nil, &cacheerr.CorruptStoreError{
				Path:   s.path,
				Reason: fmt.Sprintf("embedding %d has dimension %d, expected %d", i, len(doc.Embeddings[i]), s.dims),
			}
		}
		entries[i] = &models.CacheEntry{
			Position:     i,
			Question:     doc.Questions[i],
			Embedding:    doc.Embeddings[i],
			Answer:       doc.Answers[i],
			ResponseText: doc.ResponseText[i],
		}
	}
	return s.replace(entries), nil
}

// Append adds entry in memory, then rewrites the file.
func (s *JSONStore) Append(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Position = len(s.entries)
	s.entries = append(s.entries, entry)
	return s.persistLocked()
}

// Clear empties the store and writes the empty document.
func (s *JSONStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.persistLocked()
}

// Close is a no-op; every change is already on disk.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) persistLocked() error {
	doc := jsonDocument{
		Questions:    make([]string, len(s.entries)),
		Embeddings:   make([][]float32, len(s.entries)),
		Answers:      make([]json.RawMessage, len(s.entries)),
		ResponseText: make([]string, len(s.entries)),
	}
	for i, e := range s.entries {
		doc.Questions[i] = e.Question
		doc.Embeddings[i] = e.Embedding
		doc.Answers[i] = e.Answer
		if doc.Answers[i] == nil {
			doc.Answers[i] = json.RawMessage("null")
		}
		doc.ResponseText[i] = e.ResponseText
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return &cacheerr.PersistenceError{Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return &cacheerr.PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
