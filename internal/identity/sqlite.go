package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps the identifier in a single-row table. The caller
// owns the *sql.DB and its driver registration.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the client_identity table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS client_identity (
		slot       INTEGER PRIMARY KEY CHECK (slot = 1),
		client_id  TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`)
	return err
}

// Load implements [Backend].
func (s *SQLiteStore) Load() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT client_id FROM client_identity WHERE slot = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load client id: %w", err)
	}
	return id, nil
}

// Save implements [Backend].
func (s *SQLiteStore) Save(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO client_identity (slot, client_id, created_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT (slot) DO UPDATE SET client_id = excluded.client_id`,
		id, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save client id: %w", err)
	}
	return nil
}
