package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

func init() {
	Register("duckdb", func(logger *slog.Logger) Adapter {
		return NewDuckDB(logger)
	})
}

// DuckDBAdapter implements Adapter for DuckDB.
type DuckDBAdapter struct {
	BaseSQLAdapter
}

// NewDuckDB creates a new DuckDB adapter instance.
// If logger is nil, a discard logger is used.
func NewDuckDB(logger *slog.Logger) *DuckDBAdapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DuckDBAdapter{
		BaseSQLAdapter: BaseSQLAdapter{Logger: logger},
	}
}

// DialectName returns the SQL dialect for this adapter.
func (a *DuckDBAdapter) DialectName() string {
	return "duckdb"
}

// Connect establishes a connection to DuckDB.
// Use ":memory:" as the database for an in-memory database.
func (a *DuckDBAdapter) Connect(ctx context.Context, cfg Config) error {
	path := cfg.Database
	if path == "" {
		path = ":memory:"
	}

	a.Logger.Debug("connecting to duckdb", slog.String("path", path))

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// TableExists reports whether a (possibly schema-qualified) table exists.
func (a *DuckDBAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	if a.DB == nil {
		return false, fmt.Errorf("database connection not established")
	}

	schema := "main"
	tableName := table
	if parts := strings.Split(table, "."); len(parts) == 2 {
		schema = parts[0]
		tableName = parts[1]
	}

	var count int
	err := a.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = ? AND table_name = ?`, schema, tableName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}
	return count > 0, nil
}

// LoadCSV loads data from a CSV file into a table.
// DuckDB infers the schema from the CSV file.
func (a *DuckDBAdapter) LoadCSV(ctx context.Context, tableName, filePath string) error {
	if a.DB == nil {
		return fmt.Errorf("database connection not established")
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	query := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto('%s', header=true)",
		tableName, absPath,
	)
	if _, err := a.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to load CSV into %s: %w", tableName, err)
	}
	return nil
}

var _ Adapter = (*DuckDBAdapter)(nil)
