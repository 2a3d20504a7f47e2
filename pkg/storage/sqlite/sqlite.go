// Package sqlite opens a SQLite-backed storage driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/cortex/pkg/storage/sqlstore"
)

// Driver implements storage.Driver using SQLite.
type Driver struct {
	*sqlstore.Driver
}

// NewDriver opens the database at dbPath, which may be ":memory:", and
// creates the schema.
func NewDriver(ctx context.Context, dbPath string, logger *slog.Logger) (*Driver, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	// Open the database using the github.com/mattn/go-sqlite3 driver (registered as "sqlite3")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	drv, err := sqlstore.New(ctx, db, dialect.SQLite, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Driver{Driver: drv}, nil
}
