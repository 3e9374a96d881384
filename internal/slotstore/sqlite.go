package slotstore

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver"  // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
)

// SQLiteStore keeps slots as rows of a single table.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
}

// OpenSQLiteStore opens (creating if needed) a SQLite slot database.
func OpenSQLiteStore(filename string, capacity int) (*SQLiteStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be > 0")
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + "?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS slots
		( id INTEGER PRIMARY KEY
		, data BLOB NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating slots table: %w", err)
	}
	return &SQLiteStore{db: db, capacity: capacity}, nil
}

// Get reads a slot. A missing row is an empty slot.
func (s *SQLiteStore) Get(id uint16) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM slots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading slot %d: %w", id, err)
	}
	return data, nil
}

// Set replaces a slot. Empty data deletes the row.
func (s *SQLiteStore) Set(id uint16, data []byte) error {
	if err := checkSize(s, data); err != nil {
		return err
	}
	var err error
	if len(data) == 0 {
		_, err = s.db.Exec(`DELETE FROM slots WHERE id = ?`, id)
	} else {
		_, err = s.db.Exec(`INSERT INTO slots (id, data) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data`, id, data)
	}
	if err != nil {
		return fmt.Errorf("error writing slot %d: %w", id, err)
	}
	return nil
}

// Capacity returns the slot capacity in bytes.
func (s *SQLiteStore) Capacity() int { return s.capacity }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
