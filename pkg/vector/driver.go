// Package vector defines the similarity index cortex retrieves memories from
// and the helpers shared by its drivers.
package vector

import (
	"context"
	"errors"
)

var (
	// ErrConnection is returned when a remote index can't be reached.
	ErrConnection = errors.New("vector store connection failed")

	// ErrDimensions is returned when an embedding's length doesn't match the
	// index.
	ErrDimensions = errors.New("embedding dimensions mismatch")
)

// Document is an indexed embedding keyed by the id of the entity it belongs to.
type Document struct {
	ID        string
	Embedding []float32
}

// QueryResult is a document with its similarity to the query vector.
type QueryResult struct {
	Document

	// Score is cosine similarity, higher is more similar.
	Score float32
}

// Driver is a similarity index over Documents.
//
// Indexes are not the source of truth for visibility: a tombstoned memory may
// linger in an index until the deletion cascade removes it, so callers filter
// Query results through the memory store.
type Driver interface {
	// Add upserts documents.
	Add(ctx context.Context, docs []Document) error

	// Query returns up to topK documents ordered by descending Score.
	Query(ctx context.Context, embedding []float32, topK int) ([]QueryResult, error)

	// Get returns the documents that exist among ids.
	Get(ctx context.Context, ids []string) ([]Document, error)

	// Delete removes ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	Close() error
}
