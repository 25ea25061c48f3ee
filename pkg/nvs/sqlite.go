package nvs

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // sqlite WASM binary
)

// SQLite is a backend that stores entries in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database file at the specified path.
func OpenSQLite(path string) (*SQLite, error) {
	// open database
	db, err := sql.Open("sqlite3", "file:"+filepath.Clean(path)+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// create table
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries
		( namespace TEXT NOT NULL
		, key TEXT NOT NULL
		, value BLOB NOT NULL
		, PRIMARY KEY(namespace, key)
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Open implements the Backend interface.
func (s *SQLite) Open(namespace string, writable bool) (Handle, error) {
	// begin transaction
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	return &sqliteHandle{
		tx:        tx,
		namespace: namespace,
		writable:  writable,
	}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	tx        *sql.Tx
	namespace string
	writable  bool
	done      bool
}

func (h *sqliteHandle) Get(key string) ([]byte, error) {
	// query value
	var value []byte
	err := h.tx.QueryRow(`SELECT value FROM entries WHERE namespace = ? AND key = ?`, h.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return value, nil
}

func (h *sqliteHandle) Set(key string, value []byte) error {
	// check mode
	if !h.writable {
		return errors.New("read only handle")
	}

	// upsert value
	_, err := h.tx.Exec(`INSERT INTO entries (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`, h.namespace, key, value)

	return err
}

func (h *sqliteHandle) Commit() error {
	// commit transaction
	h.done = true
	err := h.tx.Commit()
	if err != nil {
		return err
	}

	return nil
}

func (h *sqliteHandle) Close() error {
	// rollback uncommitted changes
	if !h.done {
		h.done = true
		return h.tx.Rollback()
	}

	return nil
}
