// Package db opens the session database behind the persistent store,
// detecting the driver from the connection string.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/smart-on-fhir/client-go/internal/logger"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver identifies the database driver in use.
type Driver string

const (
	SQLite     Driver = "sqlite3"
	PostgreSQL Driver = "postgres"
)

// DetectDriver determines the driver from the connection string: Postgres
// URLs and DSNs go to lib/pq, everything else (file paths, file: URLs,
// :memory:) is treated as SQLite.
func DetectDriver(connectionString string) Driver {
	cs := strings.ToLower(connectionString)
	if strings.HasPrefix(cs, "postgres://") ||
		strings.HasPrefix(cs, "postgresql://") ||
		strings.Contains(cs, "host=") {
		return PostgreSQL
	}
	return SQLite
}

// Open opens and pings the session database.
func Open(connectionString string) (*sql.DB, Driver, error) {
	driver := DetectDriver(connectionString)

	if driver == SQLite && !strings.Contains(connectionString, "?") && connectionString != ":memory:" {
		connectionString += "?_busy_timeout=10000&_journal_mode=WAL"
	}

	logger.Debug("opening session database", "driver", string(driver))

	conn, err := sql.Open(string(driver), connectionString)
	if err != nil {
		return nil, driver, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == SQLite {
		// SQLite does not benefit from pooling
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, driver, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, driver, nil
}

// Placeholder returns the SQL parameter placeholder for the driver.
func Placeholder(driver Driver, position int) string {
	if driver == PostgreSQL {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}
