// Package inmemory is a storage.Driver held entirely in process memory.
package inmemory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/keylock"
)

// Driver implements storage.Driver with maps guarded by one RWMutex.
// Stored values are never handed out; reads return copies.
type Driver struct {
	// mu guards every map below.
	mu sync.RWMutex

	// locks serializes Update and Edit per memory id so fn runs without
	// holding mu.
	locks *keylock.Locks

	memories map[string]*memory.Memory
	versions map[string][]memory.Version

	queries      map[string]*attribution.Query
	attributions []attribution.Attribution

	contradictions map[string]*consistency.Contradiction

	nodes        map[string]*provenance.Node
	children     map[string][]provenance.Edge
	parents      map[string][]provenance.Edge
	deletions    map[string]*provenance.DeletionRequest
	certificates map[string]*provenance.Certificate
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{
		locks:          keylock.New(0),
		memories:       make(map[string]*memory.Memory),
		versions:       make(map[string][]memory.Version),
		queries:        make(map[string]*attribution.Query),
		contradictions: make(map[string]*consistency.Contradiction),
		nodes:          make(map[string]*provenance.Node),
		children:       make(map[string][]provenance.Edge),
		parents:        make(map[string][]provenance.Edge),
		deletions:      make(map[string]*provenance.DeletionRequest),
		certificates:   make(map[string]*provenance.Certificate),
	}
}

// Put stores a copy of m at version 1.
func (d *Driver) Put(_ context.Context, m *memory.Memory) error {
	if m == nil {
		return errors.New("cannot store nil memory")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.memories[m.ID]; ok {
		return storage.ErrExists
	}
	c := m.Clone()
	c.Version = 1
	if c.AssertedAt.IsZero() {
		c.AssertedAt = c.CreatedAt
	}
	d.memories[c.ID] = c
	d.versions[c.ID] = []memory.Version{{
		MemoryID:    c.ID,
		Version:     1,
		Text:        c.Text,
		Criticality: c.Criticality,
		EditedAt:    c.CreatedAt,
	}}
	return nil
}

// Get returns a copy of a visible memory.
func (d *Driver) Get(_ context.Context, id string) (*memory.Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.memories[id]
	if !ok || m.Tombstoned {
		return nil, memory.NotFoundError{ID: id}
	}
	return m.Clone(), nil
}

// List returns visible memories matching f, oldest first.
func (d *Driver) List(_ context.Context, f memory.ListFilter) ([]*memory.Memory, error) {
	d.mu.RLock()
	var out []*memory.Memory
	for _, m := range d.memories {
		if !m.Tombstoned && f.Match(m) {
			out = append(out, m.Clone())
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

// Update applies fn to a copy and commits it unless the memory was
// tombstoned meanwhile.
func (d *Driver) Update(ctx context.Context, id string, fn func(*memory.Memory) error) (*memory.Memory, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	m, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	m.ID = id

	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.memories[id]
	if !ok || cur.Tombstoned {
		return nil, memory.NotFoundError{ID: id}
	}
	m.Version = cur.Version
	m.Tombstoned = false
	d.memories[id] = m.Clone()
	return m, nil
}

// Edit applies a versioned edit.
func (d *Driver) Edit(ctx context.Context, e memory.Edit) (*memory.Memory, error) {
	unlock := d.locks.Lock(e.ID)
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.memories[e.ID]
	if !ok || cur.Tombstoned {
		return nil, memory.NotFoundError{ID: e.ID}
	}
	if cur.Version != e.ExpectedVersion {
		return nil, &memory.StaleWriteError{ID: e.ID, Expected: e.ExpectedVersion, Actual: cur.Version}
	}

	m := cur.Clone()
	e.Apply(m)
	d.memories[e.ID] = m
	d.versions[e.ID] = append(d.versions[e.ID], versionOf(m, e))
	return m.Clone(), nil
}

// Versions returns the history of a visible memory.
func (d *Driver) Versions(_ context.Context, id string) ([]memory.Version, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.memories[id]
	if !ok || m.Tombstoned {
		return nil, memory.NotFoundError{ID: id}
	}
	return slices.Clone(d.versions[id]), nil
}

// Tombstone hides every id or, if any is unknown, none.
func (d *Driver) Tombstone(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tombstoneLocked(ids)
}

func (d *Driver) tombstoneLocked(ids []string) error {
	for _, id := range ids {
		if _, ok := d.memories[id]; !ok {
			return memory.NotFoundError{ID: id}
		}
	}
	for _, id := range ids {
		d.memories[id].Tombstoned = true
	}
	return nil
}

// Close is a no-op.
func (d *Driver) Close() error {
	return nil
}

// Count returns the number of stored memories, tombstoned included.
func (d *Driver) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.memories)
}

func versionOf(m *memory.Memory, e memory.Edit) memory.Version {
	return memory.Version{
		MemoryID:     m.ID,
		Version:      m.Version,
		Text:         m.Text,
		Criticality:  m.Criticality,
		EditedBy:     e.EditedBy,
		EditedAt:     e.EditedAt,
		ChangeReason: e.ChangeReason,
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func timePtr(t time.Time) *time.Time { return &t }
