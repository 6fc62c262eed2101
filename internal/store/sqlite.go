package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/tailor/internal/types"
	"github.com/hyperengineering/tailor/internal/validation"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed document store.
type SQLiteStore struct {
	db *sql.DB

	// clockMu serialises commit times so server timestamps strictly increase.
	clockMu    sync.Mutex
	lastCommit time.Time
	now        func() time.Time
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.loadLastCommit(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// loadLastCommit seeds the commit clock from the newest stored document so
// timestamps keep increasing across restarts.
func (s *SQLiteStore) loadLastCommit() error {
	var last sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM documents`).Scan(&last); err != nil {
		return fmt.Errorf("load last commit time: %w", err)
	}
	if last.Valid {
		t, err := time.Parse(time.RFC3339Nano, last.String)
		if err != nil {
			return fmt.Errorf("parse last commit time: %w", err)
		}
		s.lastCommit = t
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nextCommitLocked returns a UTC time strictly after every earlier commit
// time. clockMu must be held.
func (s *SQLiteStore) nextCommitLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastCommit) {
		t = s.lastCommit.Add(time.Nanosecond)
	}
	return t
}

// CreateDocument inserts a new document with a ULID identifier.
func (s *SQLiteStore) CreateDocument(ctx context.Context, collection string, fields map[string]any, serverTimestamps []string) (*types.Document, error) {
	for _, name := range serverTimestamps {
		if verr := validation.ValidateFieldName("server_timestamps", name); verr != nil {
			return nil, fmt.Errorf("%w: %q %s", ErrInvalidField, name, verr.Message)
		}
	}

	stored := make(map[string]any, len(fields)+len(serverTimestamps))
	for k, v := range fields {
		stored[k] = v
	}

	// The row insert and the commit time are taken under one lock so that
	// insertion order and timestamp order agree.
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := s.nextCommitLocked()
	ts := types.FormatTimestamp(t)
	for _, name := range serverTimestamps {
		stored[name] = ts
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	id := ulid.Make().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields, created_at)
		VALUES (?, ?, ?, ?)
	`, collection, id, string(payload), ts)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	s.lastCommit = t

	return &types.Document{ID: id, Fields: stored, CreateTime: t}, nil
}

// ListDocuments returns the ordered documents of collection. Documents
// without the order field are excluded.
func (s *SQLiteStore) ListDocuments(ctx context.Context, collection string, order types.Order) ([]types.Document, error) {
	if verr := validation.ValidateFieldName("order_by", order.Field); verr != nil {
		return nil, fmt.Errorf("%w: order_by %s", ErrInvalidOrder, verr.Message)
	}

	var dir string
	switch order.Direction {
	case types.Ascending:
		dir = "ASC"
	case types.Descending, "":
		dir = "DESC"
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidOrder, order.Direction)
	}

	jsonPath := "$." + order.Field
	query := fmt.Sprintf(`
		SELECT id, fields, created_at
		FROM documents
		WHERE collection = ? AND json_extract(fields, ?) IS NOT NULL
		ORDER BY json_extract(fields, ?) %s, id %s
	`, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, collection, jsonPath, jsonPath)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []types.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns a single document or ErrNotFound.
func (s *SQLiteStore) GetDocument(ctx context.Context, collection, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, fields, created_at FROM documents WHERE collection = ? AND id = ?
	`, collection, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetStats returns aggregate store statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	var (
		stats types.StoreStats
		last  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT collection), MAX(created_at) FROM documents
	`).Scan(&stats.DocumentCount, &stats.CollectionCount, &last)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	if last.Valid {
		if t, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			stats.LastWrite = &t
		}
	}
	return &stats, nil
}

func scanDocument(scanner interface{ Scan(...any) error }) (*types.Document, error) {
	var (
		doc       types.Document
		fields    string
		createdAt string
	)
	if err := scanner.Scan(&doc.ID, &fields, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("parse fields of %s: %w", doc.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		doc.CreateTime = t
	}
	return &doc, nil
}
