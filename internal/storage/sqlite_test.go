package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/cacheerr"
)

func TestSQLiteStore_AppendReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, testEntry("alpha", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, testEntry("beta", []float32{0, 0.5, -0.25})); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	entries, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	got := entries[1]
	if got.Position != 1 || got.Question != "beta" || got.ResponseText != "answer to beta" {
		t.Errorf("reloaded = %+v", got)
	}
	if got.Embedding[1] != 0.5 || got.Embedding[2] != -0.25 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if !strings.Contains(string(got.Answer), "sources") {
		t.Errorf("payload = %s", got.Answer)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, _ = s.Load(ctx)
	_ = s.Append(ctx, testEntry("a", []float32{1, 0}))
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || s.Len() != 0 {
		t.Errorf("expected empty after Clear, got %d", len(entries))
	}
}

func TestSQLiteStore_CorruptRows(t *testing.T) {
	tests := []struct {
		name   string
		insert string
		reason string
	}{
		{"gap in positions", `INSERT INTO cache_entries (position, question, embedding, response_text) VALUES (1, 'q', x'0000803F00000000', 'a')`, "non-contiguous"},
		{"wrong dimension", `INSERT INTO cache_entries (position, question, embedding, response_text) VALUES (0, 'q', x'0000803F', 'a')`, "dimension 1"},
		{"truncated blob", `INSERT INTO cache_entries (position, question, embedding, response_text) VALUES (0, 'q', x'0000803F00', 'a')`, "embedding 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "cache.db")
			s, err := NewSQLiteStore(path, 2)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			if _, err := s.Load(ctx); err != nil {
				t.Fatal(err)
			}

			db, err := sql.Open("sqlite3", path)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := db.Exec(tt.insert); err != nil {
				t.Fatal(err)
			}
			_ = db.Close()

			_, err = s.Load(ctx)
			if !errors.Is(err, cacheerr.ErrCorruptStore) {
				t.Fatalf("expected corrupt store, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q should mention %q", err.Error(), tt.reason)
			}
		})
	}
}

func TestSQLiteStore_AppendAfterCloseIsPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = s.Load(ctx)
	_ = s.Close()

	err = s.Append(ctx, testEntry("q", []float32{1, 0}))
	if !errors.Is(err, cacheerr.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("entry should stay in memory, Len=%d", s.Len())
	}
}

func TestSQLiteStore_ClearThenAppendOnFreshDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on a new database: %v", err)
	}
	if err := s.Append(ctx, testEntry("a", []float32{1, 0})); err != nil {
		t.Fatalf("Append after Clear: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	entries, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Question != "a" {
		t.Errorf("reloaded = %v", entries)
	}
}

func TestSQLiteStore_FailedAppendIsWrittenByNextAppend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Append(cancelled, testEntry("first", []float32{1, 0})); !errors.Is(err, cacheerr.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if err := s.Append(ctx, testEntry("second", []float32{0, 1})); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	entries, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("reload after a failed write: %v", err)
	}
	if len(entries) != 2 || entries[0].Question != "first" || entries[1].Question != "second" {
		t.Errorf("reloaded = %v", entries)
	}
}

func TestSQLiteStore_FailedClearIsRedoneByNextAppend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{"old-a", "old-b"} {
		if err := s.Append(ctx, testEntry(q, []float32{1, 0})); err != nil {
			t.Fatal(err)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Clear(cancelled); !errors.Is(err, cacheerr.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("memory should be empty after Clear, Len=%d", s.Len())
	}
	if err := s.Append(ctx, testEntry("new", []float32{0, 1})); err != nil {
		t.Fatalf("Append after failed Clear: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	entries, err := reopened.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Question != "new" || entries[0].Position != 0 {
		t.Errorf("reloaded = %v", entries)
	}
}
