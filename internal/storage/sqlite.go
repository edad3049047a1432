//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"dxtrain/internal/model"

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

func (s *SQLiteStore) SaveState(ctx context.Context, key string, state model.TrainingState) error {
	if key != KeyLatest && key != KeyBest {
		return errors.Errorf("unknown snapshot key: %q", key)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeState(state)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO training_state (key, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, key, state.SchemaVersion, state.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetState(ctx context.Context, key string) (model.TrainingState, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.TrainingState{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM training_state WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TrainingState{}, false, nil
		}
		return model.TrainingState{}, false, err
	}

	state, err := DecodeState(payload)
	if err != nil {
		return model.TrainingState{}, false, err
	}
	return state, true, nil
}

func (s *SQLiteStore) SavePredictions(ctx context.Context, set model.PredictionSet) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodePredictions(set)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO predictions (name, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, set.Name, set.SchemaVersion, set.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetPredictions(ctx context.Context, name string) (model.PredictionSet, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.PredictionSet{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM predictions WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PredictionSet{}, false, nil
		}
		return model.PredictionSet{}, false, err
	}

	set, err := DecodePredictions(payload)
	if err != nil {
		return model.PredictionSet{}, false, err
	}
	return set, true, nil
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
		CREATE TABLE IF NOT EXISTS training_state (
			key TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS predictions (
			name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
