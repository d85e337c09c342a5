// Package adapter provides database adapters for the study runner.
// Adapters wrap a database/sql connection and expose the small surface the
// pipeline stages need: statement execution, queries, CSV loading, and
// table existence checks.
package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Config holds connection parameters for a database target.
type Config struct {
	Type string // postgres, duckdb

	// File-based databases (DuckDB)
	Database string

	// Network databases
	Host     string
	Port     int
	Username string
	Password string

	// Additional driver-specific options
	Options map[string]string
}

// Adapter is the interface all database adapters implement.
type Adapter interface {
	// Connect establishes a connection using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the connection and releases resources.
	Close() error

	// Exec executes a statement that does not return rows.
	Exec(ctx context.Context, query string) error

	// Query executes a statement that returns rows.
	Query(ctx context.Context, query string) (*sql.Rows, error)

	// QueryRow executes a statement expected to return at most one row.
	QueryRow(ctx context.Context, query string) *sql.Row

	// LoadCSV loads a CSV file into a table, creating it if needed.
	LoadCSV(ctx context.Context, table, path string) error

	// TableExists reports whether a (possibly schema-qualified) table exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// DialectName returns the SQL dialect identifier for template rendering.
	DialectName() string
}

// BaseSQLAdapter provides the database/sql-backed parts shared by adapters.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    Config
	Logger *slog.Logger
}

// Close closes the underlying connection.
func (a *BaseSQLAdapter) Close() error {
	if a.DB == nil {
		return nil
	}
	err := a.DB.Close()
	a.DB = nil
	return err
}

// Exec executes a statement that does not return rows.
func (a *BaseSQLAdapter) Exec(ctx context.Context, query string) error {
	if a.DB == nil {
		return fmt.Errorf("database connection not established")
	}
	a.Logger.Debug("executing statement", "sql", truncateSQL(query))
	if _, err := a.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Query executes a statement that returns rows.
func (a *BaseSQLAdapter) Query(ctx context.Context, query string) (*sql.Rows, error) {
	if a.DB == nil {
		return nil, fmt.Errorf("database connection not established")
	}
	a.Logger.Debug("executing query", "sql", truncateSQL(query))
	rows, err := a.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rows, nil
}

// QueryRow executes a statement expected to return at most one row.
func (a *BaseSQLAdapter) QueryRow(ctx context.Context, query string) *sql.Row {
	return a.DB.QueryRowContext(ctx, query)
}

// truncateSQL shortens long statements for debug logging.
func truncateSQL(query string) string {
	const maxLen = 200
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
