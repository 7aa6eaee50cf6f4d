package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// SQLiteStore keeps one row per entry. Embeddings are little-endian float32 blobs.
//
// Rows at positions below synced match memory. A failed write leaves synced where
// it was, and the next Append rewrites every row from there in one transaction, so
// the table never holds a gap. A failed Clear is redone by the next write.
type SQLiteStore struct {
	entryList
	db   *sql.DB
	path string
	dims int

	synced       int
	clearPending bool
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and creates the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, dims int) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; appends are already serialised by the cache
	db.SetMaxOpenConns(1)

	if err := initSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, path: dbPath, dims: dims}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		position INTEGER PRIMARY KEY,
		question TEXT NOT NULL,
		embedding BLOB NOT NULL,
		answer TEXT,
		response_text TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load reads every row ordered by position and validates it.
func (s *SQLiteStore) Load(ctx context.Context) ([]*models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, question, embedding, answer, response_text, created_at
		 FROM cache_entries ORDER BY position`)
	if err != nil {
		return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: "query failed", Err: err}
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var (
			e         models.CacheEntry
			blob      []byte
			answer    sql.NullString
			createdAt sql.NullTime
		)
		if err := rows.Scan(&e.Position, &e.Question, &blob, &answer, &e.ResponseText, &createdAt); err != nil {
			return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: "unreadable row", Err: err}
		}
		if e.Position != len(entries) {
			return nil, &cacheerr.CorruptStoreError{
				Path:   s.path,
				Reason: fmt.Sprintf("non-contiguous positions: found %d, expected %d", e.Position, len(entries)),
			}
		}
		vec, err := utils.DecodeFloat32s(blob)
		if err != nil {
			return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: fmt.Sprintf("embedding %d", e.Position), Err: err}
		}
		if len(vec) != s.dims {
			return nil, &cacheerr.CorruptStoreError{
				Path:   s.path,
				Reason: fmt.Sprintf("embedding %d has dimension %d, expected %d", e.Position, len(vec), s.dims),
			}
		}
		e.Embedding = vec
		if answer.Valid {
			e.Answer = json.RawMessage(answer.String)
		}
		if createdAt.Valid {
			e.CreatedAt = createdAt.Time
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, &cacheerr.CorruptStoreError{Path: s.path, Reason: "row iteration failed", Err: err}
	}
	s.mu.Lock()
	s.synced = len(entries)
	s.clearPending = false
	s.mu.Unlock()
	return s.replace(entries), nil
}

// Append adds entry in memory, then writes every unsaved row.
func (s *SQLiteStore) Append(ctx context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Position = len(s.entries)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, entry)
	return s.flushLocked(ctx)
}

// Clear drops every entry in memory and deletes every row. When the delete fails
// the next Append retries it before writing.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.synced = 0
	s.clearPending = true
	return s.flushLocked(ctx)
}

// flushLocked brings the table in line with memory. Caller holds s.mu.
func (s *SQLiteStore) flushLocked(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &cacheerr.PersistenceError{Path: s.path, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if s.clearPending {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
			return &cacheerr.PersistenceError{Path: s.path, Err: err}
		}
	}
	if s.synced < len(s.entries) {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO cache_entries (position, question, embedding, answer, response_text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return &cacheerr.PersistenceError{Path: s.path, Err: err}
		}
		defer stmt.Close()
		for _, e := range s.entries[s.synced:] {
			var answer interface{}
			if e.Answer != nil {
				answer = string(e.Answer)
			}
			if _, err := stmt.ExecContext(ctx,
				e.Position, e.Question, utils.EncodeFloat32s(e.Embedding), answer, e.ResponseText, e.CreatedAt); err != nil {
				return &cacheerr.PersistenceError{Path: s.path, Err: err}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return &cacheerr.PersistenceError{Path: s.path, Err: err}
	}
	s.synced = len(s.entries)
	s.clearPending = false
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
