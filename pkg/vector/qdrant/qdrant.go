// Package qdrant is a vector.Driver backed by a Qdrant collection.
//
// Qdrant point ids must be UUIDs or integers, so each document is stored under
// ids.Point(doc.ID) with the original id kept in the "doc_id" payload field.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/papercomputeco/cortex/pkg/ids"
	"github.com/papercomputeco/cortex/pkg/vector"
)

const payloadDocID = "doc_id"

// Client is the subset of *qdrant.Client the driver calls.
type Client interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Get(ctx context.Context, req *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions uint

	Logger *slog.Logger
}

// Driver lazily creates its collection on first use.
type Driver struct {
	client     Client
	collection string
	dims       uint
	logger     *slog.Logger

	mu    sync.Mutex
	ready bool
}

var _ vector.Driver = (*Driver)(nil)

// NewDriver dials Qdrant over gRPC.
func NewDriver(c Config) (*Driver, error) {
	if c.Host == "" {
		return nil, errors.New("qdrant host is required")
	}
	port := c.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   c.Host,
		Port:   port,
		APIKey: c.APIKey,
		UseTLS: c.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vector.ErrConnection, err)
	}
	return NewDriverWithClient(client, c)
}

// NewDriverWithClient wraps an existing client.
func NewDriverWithClient(client Client, c Config) (*Driver, error) {
	if c.Collection == "" {
		c.Collection = "cortex_memories"
	}
	if c.Dimensions == 0 {
		return nil, errors.New("qdrant embedding dimensions cannot be 0, must be configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		client:     client,
		collection: c.Collection,
		dims:       c.Dimensions,
		logger:     logger,
	}, nil
}

func (d *Driver) ensureCollection(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ready {
		return nil
	}

	exists, err := d.client.CollectionExists(ctx, d.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection %s: %w", vector.ErrConnection, d.collection, err)
	}
	if !exists {
		err := d.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: d.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(d.dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", d.collection, err)
		}
		d.logger.Info("created qdrant collection", "collection", d.collection, "dimensions", d.dims)
	}

	d.ready = true
	return nil
}

func (d *Driver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := d.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		if uint(len(doc.Embedding)) != d.dims {
			return fmt.Errorf("adding %s: %w: got %d, index has %d", doc.ID, vector.ErrDimensions, len(doc.Embedding), d.dims)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(ids.Point(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{payloadDocID: doc.ID}),
		})
	}

	wait := true
	if _, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: d.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

func (d *Driver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}
	if err := d.ensureCollection(ctx); err != nil {
		return nil, err
	}

	limit := uint64(topK)
	points, err := d.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: d.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", d.collection, err)
	}

	results := make([]vector.QueryResult, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[payloadDocID].GetStringValue()
		if id == "" {
			continue
		}
		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: id},
			Score:    p.GetScore(),
		})
	}
	return results, nil
}

func (d *Driver) Get(ctx context.Context, docIDs []string) ([]vector.Document, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	if err := d.ensureCollection(ctx); err != nil {
		return nil, err
	}

	points, err := d.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: d.collection,
		Ids:            pointIDs(docIDs),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting points: %w", err)
	}

	docs := make([]vector.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, vector.Document{
			ID:        p.GetPayload()[payloadDocID].GetStringValue(),
			Embedding: p.GetVectors().GetVector().GetData(),
		})
	}
	return docs, nil
}

func (d *Driver) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	if err := d.ensureCollection(ctx); err != nil {
		return err
	}

	wait := true
	if _, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(pointIDs(docIDs)...),
	}); err != nil {
		return fmt.Errorf("deleting %d points: %w", len(docIDs), err)
	}
	return nil
}

func (d *Driver) Close() error {
	return d.client.Close()
}

func pointIDs(docIDs []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(docIDs))
	for i, id := range docIDs {
		out[i] = qdrant.NewID(ids.Point(id))
	}
	return out
}
