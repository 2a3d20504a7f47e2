// Package sqlitevec is a vector.Driver backed by a sqlite-vec vec0 table.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/cortex/pkg/vector"
)

const (
	documentsTable  = "vec_documents"
	embeddingsTable = "vec_embeddings"
)

// Driver keeps string document ids in a mapping table next to the vec0
// virtual table, which only accepts integer rowids.
type Driver struct {
	db     *sql.DB
	dims   uint
	logger *slog.Logger
}

var _ vector.Driver = (*Driver)(nil)

// Config holds configuration for the sqlite-vec driver.
type Config struct {
	// DBPath is the SQLite database file, or ":memory:".
	DBPath string

	// Dimensions of the indexed embeddings. Required.
	Dimensions uint

	Logger *slog.Logger
}

// NewDriver opens (or creates) the index at c.DBPath.
func NewDriver(c Config) (*Driver, error) {
	sqlite_vec.Auto()

	if c.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if c.Dimensions == 0 {
		return nil, errors.New("sqlite-vec embedding dimensions cannot be 0, must be configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if c.DBPath == ":memory:" {
		// each pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + documentsTable + ` (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL UNIQUE
		)`,
		fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine)`,
			embeddingsTable, c.Dimensions,
		),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating sqlite-vec schema: %w", err)
		}
	}

	logger.Info("sqlite-vec vector driver initialized",
		"db_path", c.DBPath,
		"dimensions", c.Dimensions,
		"vec_version", vecVersion,
	)

	return &Driver{db: db, dims: c.Dimensions, logger: logger}, nil
}

func (d *Driver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		if uint(len(doc.Embedding)) != d.dims {
			return fmt.Errorf("adding %s: %w: got %d, index has %d", doc.ID, vector.ErrDimensions, len(doc.Embedding), d.dims)
		}

		// INSERT OR IGNORE keeps an existing rowid stable across upserts.
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+documentsTable+`(doc_id) VALUES (?)`, doc.ID,
		); err != nil {
			return fmt.Errorf("inserting document %s: %w", doc.ID, err)
		}

		var rowID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT rowid FROM `+documentsTable+` WHERE doc_id = ?`, doc.ID,
		).Scan(&rowID); err != nil {
			return fmt.Errorf("resolving rowid for %s: %w", doc.ID, err)
		}

		// vec0 has no UPDATE
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+embeddingsTable+` WHERE rowid = ?`, rowID,
		); err != nil {
			return fmt.Errorf("replacing embedding for %s: %w", doc.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+embeddingsTable+`(rowid, embedding) VALUES (?, ?)`,
			rowID, vector.Encode(doc.Embedding),
		); err != nil {
			return fmt.Errorf("inserting embedding for %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("added documents to sqlite-vec", "count", len(docs))
	return nil
}

func (d *Driver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT d.doc_id, ve.distance
		FROM `+embeddingsTable+` ve
		INNER JOIN `+documentsTable+` d ON d.rowid = ve.rowid
		WHERE ve.embedding MATCH ?
			AND ve.k = ?
		ORDER BY ve.distance
	`, vector.Encode(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []vector.QueryResult
	for rows.Next() {
		var (
			docID    string
			distance float64
		)
		if err := rows.Scan(&docID, &distance); err != nil {
			return nil, fmt.Errorf("scanning query result: %w", err)
		}
		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: docID},
			Score:    float32(1 - distance),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating query results: %w", err)
	}

	return results, nil
}

func (d *Driver) Get(ctx context.Context, ids []string) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Select("d.doc_id", "ve.embedding").
		From(entsql.Table(documentsTable).As("d")).
		Join(entsql.Table(embeddingsTable).As("ve")).
		On("d.rowid", "ve.rowid").
		Where(entsql.In("d.doc_id", anys(ids)...)).
		Query()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	docs := make([]vector.Document, 0, len(ids))
	for rows.Next() {
		var (
			doc  vector.Document
			blob []byte
		)
		if err := rows.Scan(&doc.ID, &blob); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if doc.Embedding, err = vector.Decode(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	b := entsql.Dialect(dialect.SQLite)
	rowIDs, rowArgs := b.Select("rowid").
		From(entsql.Table(documentsTable)).
		Where(entsql.In("doc_id", anys(ids)...)).
		Query()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+embeddingsTable+` WHERE rowid IN (`+rowIDs+`)`, rowArgs...,
	); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}

	query, args := b.Delete(documentsTable).Where(entsql.In("doc_id", anys(ids)...)).Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("deleted documents from sqlite-vec", "count", len(ids))
	return nil
}

func (d *Driver) Close() error {
	return d.db.Close()
}

func anys(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
