// Package store provides a database-backed smart.Storage so sessions survive
// process restarts. SQLite and Postgres are supported; the driver is detected
// from the connection string.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/smart-on-fhir/client-go/internal/db"
)

const schema = `CREATE TABLE IF NOT EXISTS smart_sessions (
	key  TEXT PRIMARY KEY,
	data TEXT NOT NULL
)`

// Store persists session state in a single key/value table.
type Store struct {
	conn   *sql.DB
	driver db.Driver
}

// New opens (and if necessary initializes) the session store.
func New(connectionString string) (*Store, error) {
	conn, driver, err := db.Open(connectionString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}
	return &Store{conn: conn, driver: driver}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := "SELECT data FROM smart_sessions WHERE key = " + db.Placeholder(s.driver, 1)
	var data string
	err := s.conn.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(data), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	var query string
	if s.driver == db.PostgreSQL {
		query = "INSERT INTO smart_sessions (key, data) VALUES ($1, $2) " +
			"ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data"
	} else {
		query = "INSERT INTO smart_sessions (key, data) VALUES (?, ?) " +
			"ON CONFLICT (key) DO UPDATE SET data = excluded.data"
	}
	_, err := s.conn.ExecContext(ctx, query, key, string(value))
	return err
}

func (s *Store) Unset(ctx context.Context, key string) (bool, error) {
	query := "DELETE FROM smart_sessions WHERE key = " + db.Placeholder(s.driver, 1)
	res, err := s.conn.ExecContext(ctx, query, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
