package inmemory

import (
	"context"
	"slices"
	"sort"

	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
)

func (d *Driver) PutNode(_ context.Context, n *provenance.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[n.ID]; !ok {
		c := *n
		d.nodes[n.ID] = &c
	}
	return nil
}

func (d *Driver) GetNode(_ context.Context, id string) (*provenance.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.nodes[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "node", ID: id}
	}
	c := *n
	return &c, nil
}

func (d *Driver) PutEdges(_ context.Context, edges []provenance.Edge) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range edges {
		if slices.Contains(d.children[e.ParentID], e) {
			continue
		}
		d.children[e.ParentID] = append(d.children[e.ParentID], e)
		d.parents[e.ChildID] = append(d.parents[e.ChildID], e)
	}
	return nil
}

func (d *Driver) Children(_ context.Context, id string) ([]provenance.Edge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.children[id]), nil
}

func (d *Driver) Parents(_ context.Context, id string) ([]provenance.Edge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.parents[id]), nil
}

func (d *Driver) PutDeletion(_ context.Context, r *provenance.DeletionRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletions[r.ID] = r.Clone()
	return nil
}

func (d *Driver) GetDeletion(_ context.Context, id string) (*provenance.DeletionRequest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.deletions[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "deletion request", ID: id}
	}
	return r.Clone(), nil
}

func (d *Driver) UpdateDeletion(_ context.Context, id string, fn func(*provenance.DeletionRequest) error) (*provenance.DeletionRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.deletions[id]
	if !ok {
		return nil, memory.NotFoundError{Kind: "deletion request", ID: id}
	}
	c := r.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = id
	d.deletions[id] = c.Clone()
	return c, nil
}

func (d *Driver) ListDeletions(_ context.Context, f provenance.DeletionFilter) ([]*provenance.DeletionRequest, error) {
	d.mu.RLock()
	var out []*provenance.DeletionRequest
	for _, r := range d.deletions {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *Driver) PutCertificate(_ context.Context, c *provenance.Certificate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *c
	cp.ArtifactIDs = slices.Clone(c.ArtifactIDs)
	d.certificates[c.RequestID] = &cp
	return nil
}

func (d *Driver) GetCertificate(_ context.Context, requestID string) (*provenance.Certificate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.certificates[requestID]
	if !ok {
		return nil, memory.NotFoundError{Kind: "certificate", ID: requestID}
	}
	cp := *c
	cp.ArtifactIDs = slices.Clone(c.ArtifactIDs)
	return &cp, nil
}

// ApplyTombstones flips memories and nodes under one lock acquisition.
// Unknown node ids are skipped; unknown memory ids fail the whole call.
func (d *Driver) ApplyTombstones(_ context.Context, memoryIDs, nodeIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.tombstoneLocked(memoryIDs); err != nil {
		return err
	}
	for _, id := range nodeIDs {
		if n, ok := d.nodes[id]; ok {
			n.Tombstoned = true
		}
	}
	return nil
}
