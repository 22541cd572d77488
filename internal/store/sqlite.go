package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS consumer_state (
	peer       TEXT PRIMARY KEY,
	max_serial INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLite keeps the serial for one peer id in a SQLite database file. Several
// peers may share one file.
type SQLite struct {
	db   *sql.DB
	peer string
}

// OpenSQLite opens (or creates) the database at path and scopes the store to
// peer.
func OpenSQLite(path, peer string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, peer: peer}, nil
}

func (s *SQLite) Load() (uint64, error) {
	var serial int64
	err := s.db.QueryRow(`SELECT max_serial FROM consumer_state WHERE peer = ?`, s.peer).Scan(&serial)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load serial: %w", err)
	}
	return uint64(serial), nil
}

func (s *SQLite) Save(serial uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO consumer_state (peer, max_serial, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer) DO UPDATE SET max_serial = excluded.max_serial, updated_at = excluded.updated_at`,
		s.peer, int64(serial))
	if err != nil {
		return fmt.Errorf("save serial: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
