package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// one writer at a time; sqlite serialises writes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) SaveTuning(ctx context.Context, r TuningRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeTuning(r)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tunings (id, tuning_key, schema_version, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tuning_key = excluded.tuning_key,
			schema_version = excluded.schema_version,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, r.ID, r.Key, r.SchemaVersion, r.CreatedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetTuning(ctx context.Context, id string) (TuningRecord, error) {
	return s.queryOne(ctx, `SELECT payload FROM tunings WHERE id = ?`, id)
}

func (s *SQLiteStore) FindTuning(ctx context.Context, key string) (TuningRecord, error) {
	return s.queryOne(ctx, `SELECT payload FROM tunings WHERE tuning_key = ? ORDER BY created_at DESC, id LIMIT 1`, key)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query, arg string) (TuningRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return TuningRecord{}, err
	}
	var payload []byte
	if err := db.QueryRowContext(ctx, query, arg).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TuningRecord{}, ErrNotFound
		}
		return TuningRecord{}, err
	}
	r, err := DecodeTuning(payload)
	if err != nil {
		return TuningRecord{}, fmt.Errorf("tuning %s: %w", arg, err)
	}
	return r, nil
}

func (s *SQLiteStore) ListTunings(ctx context.Context) ([]TuningRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM tunings ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TuningRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		r, err := DecodeTuning(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTuning(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM tunings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tunings (
			id TEXT PRIMARY KEY,
			tuning_key TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tunings_key ON tunings (tuning_key, created_at);
	`)
	return err
}
