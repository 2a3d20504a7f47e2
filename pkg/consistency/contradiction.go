// Package consistency detects contradictions between a newly written memory
// and the memories already in the store.
//
// Every write is compared against its nearest neighbours. Each sufficiently
// similar pair is classified as consistent or as one of four contradiction
// kinds. Temporal updates resolve themselves by marking the older memory
// superseded; every other kind waits for an operator.
package consistency

import (
	"context"
	"errors"
	"time"

	"github.com/papercomputeco/cortex/pkg/memory"
)

// Kind classifies a contradiction.
type Kind string

const (
	// KindLogical is a pair of mutually exclusive facts.
	KindLogical Kind = "logical"
	// KindTemporalUpdate is a newer fact superseding an older one.
	KindTemporalUpdate Kind = "temporal_update"
	// KindConcurrentConflict is two facts asserted near-simultaneously with no
	// clear precedence.
	KindConcurrentConflict Kind = "concurrent_conflict"
	// KindAmbiguous is a conflict the classifier couldn't place confidently.
	KindAmbiguous Kind = "ambiguous"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLogical, KindTemporalUpdate, KindConcurrentConflict, KindAmbiguous:
		return k, nil
	}
	return "", errors.New("unknown contradiction kind: " + s)
}

// ResolvedByAuto is the ResolvedBy value of auto-resolved temporal updates.
const ResolvedByAuto = "auto"

// ErrLowConfidence is returned by Monitor.Classify when the verdict's
// confidence is below the configured minimum. The verdict is still returned,
// downgraded to ambiguous.
var ErrLowConfidence = errors.New("classifier confidence below threshold")

// Contradiction is a recorded conflict between two memories. MemoryIDA is
// the older memory, MemoryIDB the newer. Contradictions are never deleted.
type Contradiction struct {
	ID         string     `json:"id"`
	MemoryIDA  string     `json:"memory_id_a"`
	MemoryIDB  string     `json:"memory_id_b"`
	Kind       Kind       `json:"kind"`
	Confidence float64    `json:"confidence"`
	Similarity float64    `json:"similarity"`
	Reason     string     `json:"reason,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Clone returns a copy of c.
func (c *Contradiction) Clone() *Contradiction {
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Filter narrows ListContradictions. Zero values match everything.
type Filter struct {
	Resolved *bool
	MemoryID string
	Kind     Kind
	Since    time.Time
	Limit    int
}

// Match reports whether c satisfies the filter, ignoring Limit.
func (f Filter) Match(c *Contradiction) bool {
	if f.Resolved != nil && c.Resolved != *f.Resolved {
		return false
	}
	if f.MemoryID != "" && c.MemoryIDA != f.MemoryID && c.MemoryIDB != f.MemoryID {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && c.DetectedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists contradictions.
type Store interface {
	PutContradiction(ctx context.Context, c *Contradiction) error

	// GetContradiction returns memory.NotFoundError for unknown ids.
	GetContradiction(ctx context.Context, id string) (*Contradiction, error)

	// ListContradictions returns matches newest first.
	ListContradictions(ctx context.Context, f Filter) ([]*Contradiction, error)

	// ResolveContradiction marks id resolved. Resolving twice is a no-op that
	// returns the stored record.
	ResolveContradiction(ctx context.Context, id, by string, at time.Time) (*Contradiction, error)
}

// Memories is the memory store surface the monitor reads and updates.
type Memories interface {
	RetrieveSimilar(ctx context.Context, embedding []float32, k int) ([]memory.Scored, error)
	Get(ctx context.Context, id string) (*memory.Memory, error)
	Update(ctx context.Context, id string, fn func(*memory.Memory) error) (*memory.Memory, error)
}
