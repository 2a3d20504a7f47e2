// Package inmemory is a brute-force vector.Driver for tests and single-node
// deployments without sqlite-vec or qdrant.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/papercomputeco/cortex/pkg/vector"
)

// Driver scores every stored document on each query.
type Driver struct {
	mu   sync.RWMutex
	docs map[string][]float32
	dims int
}

var _ vector.Driver = (*Driver)(nil)

// NewDriver returns an empty index. dims of 0 accepts the first document's
// length as the index dimension.
func NewDriver(dims int) *Driver {
	return &Driver{
		docs: make(map[string][]float32),
		dims: dims,
	}
}

func (d *Driver) Add(_ context.Context, docs []vector.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range docs {
		if d.dims == 0 {
			d.dims = len(doc.Embedding)
		}
		if len(doc.Embedding) != d.dims {
			return fmt.Errorf("adding %s: %w: got %d, index has %d", doc.ID, vector.ErrDimensions, len(doc.Embedding), d.dims)
		}
	}
	for _, doc := range docs {
		d.docs[doc.ID] = slices.Clone(doc.Embedding)
	}
	return nil
}

func (d *Driver) Query(_ context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	d.mu.RLock()
	results := make([]vector.QueryResult, 0, len(d.docs))
	for id, emb := range d.docs {
		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: id, Embedding: slices.Clone(emb)},
			Score:    vector.Cosine(embedding, emb),
		})
	}
	d.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (d *Driver) Get(_ context.Context, ids []string) ([]vector.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	docs := make([]vector.Document, 0, len(ids))
	for _, id := range ids {
		if emb, ok := d.docs[id]; ok {
			docs = append(docs, vector.Document{ID: id, Embedding: slices.Clone(emb)})
		}
	}
	return docs, nil
}

func (d *Driver) Delete(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		delete(d.docs, id)
	}
	return nil
}

// Len returns the number of indexed documents.
func (d *Driver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

func (d *Driver) Close() error {
	return nil
}
