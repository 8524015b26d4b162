package cache

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// Store is durable storage for encoded cache entries, keyed by cache key.
// It is written only by the persistence worker.
//
// Implementations must be thread-safe!
type Store interface {
	// Put stores the encoded entry under the given key, replacing any previous value.
	Put(key string, data []byte) error
	// Load calls fn for every stored entry.
	Load(fn func(key string, data []byte)) error
	// Close releases the underlying resources.
	Close() error
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) the sqlite index database.
// Use "memory" for a shared in-memory database.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS entries (key TEXT PRIMARY KEY, data BLOB)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init %s", filename)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Put(key string, data []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (key, data) VALUES (?, ?)", key, data)
	return errors.Wrapf(err, "put %s", key)
}

func (s *SQLiteStore) Load(fn func(key string, data []byte)) error {
	rows, err := s.db.Query("SELECT key, data FROM entries")
	if err != nil {
		return errors.Wrap(err, "query entries")
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return errors.Wrap(err, "scan entry")
		}
		fn(key, data)
	}
	return errors.Wrap(rows.Err(), "iterate entries")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
