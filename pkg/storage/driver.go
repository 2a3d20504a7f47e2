// Package storage persists memories and the records the engines derive from
// them.
//
// MemoryDriver is the memory table. Driver adds the attribution,
// consistency and provenance stores a backend implements alongside it.
// Store is the facade the rest of cortex uses: it pairs a MemoryDriver with
// a vector index and filters every retrieval through the driver's
// visibility rules.
package storage

import (
	"context"
	"errors"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
)

// ErrExists is returned by Put for an id that is already stored.
var ErrExists = errors.New("already exists")

// MemoryDriver stores memories and their version history.
type MemoryDriver interface {
	// Put inserts m at version 1 and records its first version entry.
	Put(ctx context.Context, m *memory.Memory) error

	// Get returns a copy of the memory. Unknown and tombstoned ids return
	// memory.NotFoundError.
	Get(ctx context.Context, id string) (*memory.Memory, error)

	// List returns visible memories matching f, oldest first.
	List(ctx context.Context, f memory.ListFilter) ([]*memory.Memory, error)

	// Update applies fn to a private copy of the memory and commits it
	// atomically. Updates of one id are serialized. An error from fn
	// discards the copy.
	Update(ctx context.Context, id string, fn func(*memory.Memory) error) (*memory.Memory, error)

	// Edit applies a versioned content edit and appends a version entry.
	// A version mismatch returns a *memory.StaleWriteError.
	Edit(ctx context.Context, e memory.Edit) (*memory.Memory, error)

	// Versions returns the edit history, oldest first.
	Versions(ctx context.Context, id string) ([]memory.Version, error)

	// Tombstone hides every id or none of them.
	Tombstone(ctx context.Context, ids []string) error

	Close() error
}

// Driver is a complete storage backend.
type Driver interface {
	MemoryDriver
	attribution.Store
	consistency.Store
	provenance.Store
}
