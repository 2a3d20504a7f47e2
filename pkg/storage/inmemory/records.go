package inmemory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
)

func (d *Driver) PutQuery(_ context.Context, q *attribution.Query) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := *q
	c.MemoryIDs = slices.Clone(q.MemoryIDs)
	d.queries[q.ID] = &c
	return nil
}

func (d *Driver) GetQuery(_ context.Context, id string) (*attribution.Query, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	q, ok := d.queries[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "query", ID: id}
	}
	c := *q
	c.MemoryIDs = slices.Clone(q.MemoryIDs)
	return &c, nil
}

func (d *Driver) ListQueries(_ context.Context, since time.Time, limit int) ([]*attribution.Query, error) {
	d.mu.RLock()
	var out []*attribution.Query
	for _, q := range d.queries {
		if !q.CreatedAt.Before(since) {
			c := *q
			c.MemoryIDs = slices.Clone(q.MemoryIDs)
			out = append(out, &c)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, 0, limit), nil
}

// PutAttributions appends as. Stored attributions are never rewritten.
func (d *Driver) PutAttributions(_ context.Context, as []attribution.Attribution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attributions = append(d.attributions, as...)
	return nil
}

func (d *Driver) ListAttributions(_ context.Context, f attribution.Filter) ([]attribution.Attribution, error) {
	d.mu.RLock()
	var out []attribution.Attribution
	for _, a := range d.attributions {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].QueryID != out[j].QueryID {
			return out[i].QueryID < out[j].QueryID
		}
		return out[i].Weight > out[j].Weight
	})
	return out, nil
}

func (d *Driver) PutContradiction(_ context.Context, c *consistency.Contradiction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contradictions[c.ID] = c.Clone()
	return nil
}

func (d *Driver) GetContradiction(_ context.Context, id string) (*consistency.Contradiction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.contradictions[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "contradiction", ID: id}
	}
	return c.Clone(), nil
}

func (d *Driver) ListContradictions(_ context.Context, f consistency.Filter) ([]*consistency.Contradiction, error) {
	d.mu.RLock()
	var out []*consistency.Contradiction
	for _, c := range d.contradictions {
		if f.Match(c) {
			out = append(out, c.Clone())
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, 0, f.Limit), nil
}

func (d *Driver) ResolveContradiction(_ context.Context, id, by string, at time.Time) (*consistency.Contradiction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.contradictions[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "contradiction", ID: id}
	}
	if !c.Resolved {
		c.Resolved = true
		c.ResolvedAt = timePtr(at)
		c.ResolvedBy = by
	}
	return c.Clone(), nil
}
