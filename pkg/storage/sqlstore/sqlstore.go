// Package sqlstore is a storage.Driver over database/sql. Queries are built
// with ent's dialect-aware SQL builder so one implementation serves SQLite
// and PostgreSQL; the sqlite and postgres packages only open the
// connection.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/keylock"
)

const (
	tableMemories       = "memories"
	tableVersions       = "memory_versions"
	tableQueries        = "queries"
	tableAttributions   = "attributions"
	tableContradictions = "contradictions"
	tableNodes          = "provenance_nodes"
	tableEdges          = "provenance_edges"
	tableDeletions      = "deletion_requests"
	tableCertificates   = "certificates"
)

// Driver implements storage.Driver on a *sql.DB.
type Driver struct {
	db      *sql.DB
	dialect string
	locks   *keylock.Locks
	logger  *slog.Logger
}

var _ storage.Driver = (*Driver)(nil)

// New wraps db, which speaks dialectName (dialect.SQLite or
// dialect.Postgres), and creates the schema if needed.
func New(ctx context.Context, db *sql.DB, dialectName string, logger *slog.Logger) (*Driver, error) {
	if dialectName != dialect.SQLite && dialectName != dialect.Postgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialectName)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Driver{db: db, dialect: dialectName, locks: keylock.New(0), logger: logger}
	if err := d.migrate(ctx); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return d, nil
}

// DB returns the underlying handle.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *Driver) Close() error {
	return d.db.Close()
}

func (d *Driver) builder() *entsql.DialectBuilder {
	return entsql.Dialect(d.dialect)
}

func (d *Driver) migrate(ctx context.Context) error {
	blob, ts, serial := "BLOB", "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == dialect.Postgres {
		blob, ts, serial = "BYTEA", "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding ` + blob + `,
			tier TEXT NOT NULL,
			criticality DOUBLE PRECISION NOT NULL,
			retrieval_count INTEGER NOT NULL DEFAULT 0,
			last_retrieved_at ` + ts + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			version INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
			asserted_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memories_tier ON memories (tier)`,
		`CREATE TABLE IF NOT EXISTS memory_versions (
			memory_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			text TEXT NOT NULL,
			criticality DOUBLE PRECISION NOT NULL,
			edited_by TEXT NOT NULL DEFAULT '',
			edited_at ` + ts + ` NOT NULL,
			change_reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (memory_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			response TEXT NOT NULL,
			memory_ids TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			agent_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS attributions (
			query_id TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			compute_time_ms BIGINT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			PRIMARY KEY (query_id, memory_id, mode)
		)`,
		`CREATE INDEX IF NOT EXISTS attributions_memory ON attributions (memory_id)`,
		`CREATE TABLE IF NOT EXISTS contradictions (
			id TEXT PRIMARY KEY,
			memory_id_a TEXT NOT NULL,
			memory_id_b TEXT NOT NULL,
			kind TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			similarity DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			detected_at ` + ts + ` NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at ` + ts + `,
			resolved_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS provenance_nodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL,
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS provenance_edges (
			seq ` + serial + `,
			parent_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			UNIQUE (parent_id, child_id)
		)`,
		`CREATE INDEX IF NOT EXISTS provenance_edges_child ON provenance_edges (child_id)`,
		`CREATE TABLE IF NOT EXISTS deletion_requests (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL DEFAULT '',
			override_guard BOOLEAN NOT NULL DEFAULT FALSE,
			derived_artifact_ids TEXT NOT NULL,
			status TEXT NOT NULL,
			requested_at ` + ts + ` NOT NULL,
			deletion_date ` + ts + ` NOT NULL,
			executed_at ` + ts + `,
			cancelled_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS deletion_requests_status ON deletion_requests (status)`,
		`CREATE TABLE IF NOT EXISTS certificates (
			request_id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			artifact_ids TEXT NOT NULL,
			executed_at ` + ts + ` NOT NULL,
			hash TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type querySource interface {
	Query() (string, []any)
}

func exec(ctx context.Context, q querier, b querySource) (sql.Result, error) {
	query, args := b.Query()
	return q.ExecContext(ctx, query, args...)
}

func query(ctx context.Context, q querier, b querySource) (*sql.Rows, error) {
	query, args := b.Query()
	return q.QueryContext(ctx, query, args...)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (d *Driver) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			d.logger.Warn("rolling back transaction", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeFromNull(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func anys(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
