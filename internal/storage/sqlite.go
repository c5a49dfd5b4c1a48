//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gatefit/internal/dataset"
	"gatefit/internal/estimate"

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

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

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

func (s *SQLiteStore) SaveDataset(ctx context.Context, rec dataset.Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeDataset(rec)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO datasets (id, payload)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload
	`, rec.ID, payload)
	return err
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (dataset.Record, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return dataset.Record{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM datasets WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dataset.Record{}, false, nil
		}
		return dataset.Record{}, false, err
	}

	rec, err := DecodeDataset(payload)
	if err != nil {
		return dataset.Record{}, false, fmt.Errorf("decode dataset %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListDatasets(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM datasets ORDER BY id`)
}

func (s *SQLiteStore) SaveGateSet(ctx context.Context, entry GateSetEntry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeGateSetEntry(entry)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO gatesets (name, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, entry.Name, entry.SchemaVersion, entry.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetGateSet(ctx context.Context, name string) (GateSetEntry, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return GateSetEntry{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM gatesets WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GateSetEntry{}, false, nil
		}
		return GateSetEntry{}, false, err
	}

	entry, err := DecodeGateSetEntry(payload)
	if err != nil {
		return GateSetEntry{}, false, fmt.Errorf("decode gateset %s: %w", name, err)
	}
	return entry, true, nil
}

func (s *SQLiteStore) SaveEstimate(ctx context.Context, est estimate.Estimate) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeEstimate(est)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO estimates (id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, est.ID, est.SchemaVersion, est.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetEstimate(ctx context.Context, id string) (estimate.Estimate, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return estimate.Estimate{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM estimates WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return estimate.Estimate{}, false, nil
		}
		return estimate.Estimate{}, false, err
	}

	est, err := DecodeEstimate(payload)
	if err != nil {
		return estimate.Estimate{}, false, fmt.Errorf("decode estimate %s: %w", id, err)
	}
	return est, true, nil
}

func (s *SQLiteStore) ListEstimates(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM estimates ORDER BY id`)
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		DELETE FROM datasets;
		DELETE FROM gatesets;
		DELETE FROM estimates;
	`)
	return err
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

func (s *SQLiteStore) listIDs(ctx context.Context, query string) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS gatesets (
			name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS estimates (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
