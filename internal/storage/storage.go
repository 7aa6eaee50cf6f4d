// Package storage persists cache entries and reloads them on startup.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/kioku/internal/models"
)

// Store is the durable, append-only sequence of cache entries.
type Store interface {
	// Load reads persisted entries into memory, replacing any held entries.
	// A missing store yields an empty sequence.
	Load(ctx context.Context) ([]*models.CacheEntry, error)
	// Append adds entry at position Len() and persists. The entry stays in memory
	// even when persistence fails; the only error is a PersistenceError.
	Append(ctx context.Context, entry *models.CacheEntry) error
	// Clear drops every entry and persists the empty state.
	Clear(ctx context.Context) error

	Len() int
	Entry(position int) (*models.CacheEntry, bool)
	Entries() []*models.CacheEntry
	Path() string
	Close() error
}

// Backend selects the on-disk format.
type Backend string

const (
	// BackendJSON is a single JSON document with four aligned arrays.
	BackendJSON Backend = "json"
	// BackendSQLite keeps one row per entry.
	BackendSQLite Backend = "sqlite"
)

// NewStore opens a store of the given backend. Nothing is read until Load.
func NewStore(backend, path string, dims int) (Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive")
	}
	switch Backend(backend) {
	case BackendJSON, "":
		return NewJSONStore(path, dims), nil
	case BackendSQLite:
		return NewSQLiteStore(path, dims)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: json, sqlite)", backend)
	}
}

// entryList is the in-memory sequence shared by the backends.
type entryList struct {
	mu      sync.RWMutex
	entries []*models.CacheEntry
}

func (l *entryList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entry returns the entry at position. Committed entries are never mutated.
func (l *entryList) Entry(position int) (*models.CacheEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if position < 0 || position >= len(l.entries) {
		return nil, false
	}
	return l.entries[position], true
}

// Entries returns a snapshot of the sequence in position order.
func (l *entryList) Entries() []*models.CacheEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.CacheEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *entryList) replace(entries []*models.CacheEntry) []*models.CacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	out := make([]*models.CacheEntry, len(entries))
	copy(out, entries)
	return out
}
