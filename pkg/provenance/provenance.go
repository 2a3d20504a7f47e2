// Package provenance tracks which artifacts were derived from which memories
// and runs compliance deletions over that graph.
//
// A deletion request captures the transitive closure of a memory at request
// time and waits out a grace period before it can execute. Execution is
// journaled: a begin record is made durable before anything is tombstoned and
// a commit record after, so a crash mid-cascade is finished by Recover.
package provenance

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// ArtifactType is the kind of derived artifact.
type ArtifactType string

const (
	ArtifactSummary ArtifactType = "summary"
	ArtifactCluster ArtifactType = "cluster"
	ArtifactOutput  ArtifactType = "output"
)

// ParseArtifactType validates s.
func ParseArtifactType(s string) (ArtifactType, error) {
	switch t := ArtifactType(s); t {
	case ArtifactSummary, ArtifactCluster, ArtifactOutput:
		return t, nil
	}
	return "", fmt.Errorf("unknown artifact type %q", s)
}

// NodeKind distinguishes memory nodes from artifacts.
type NodeKind string

const NodeMemory NodeKind = "memory"

// Node is a vertex of the provenance graph. Kind is NodeMemory or an
// ArtifactType.
type Node struct {
	ID         string    `json:"id"`
	Kind       NodeKind  `json:"kind"`
	Text       string    `json:"text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Tombstoned bool      `json:"tombstoned"`
}

// Edge records that ChildID was derived from ParentID.
type Edge struct {
	ParentID     string       `json:"parent_id"`
	ChildID      string       `json:"child_id"`
	ArtifactType ArtifactType `json:"artifact_type"`
}

// Artifact is the input to RecordDerivation.
type Artifact struct {
	ID   string       `json:"id"`
	Type ArtifactType `json:"type"`
	Text string       `json:"text,omitempty"`
}

// Status is a deletion request's state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusGracePeriod Status = "grace_period"
	StatusExecuting   Status = "executing"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Active reports whether s still blocks a new request for the same memory.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusGracePeriod || s == StatusExecuting
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusGracePeriod, StatusCancelled},
	StatusGracePeriod: {StatusExecuting, StatusCancelled},
	StatusExecuting:   {StatusCompleted},
}

// CanTransition reports whether a request may move from s to to.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// DeletionRequest is a request to remove a memory and everything derived
// from it.
type DeletionRequest struct {
	ID                 string     `json:"id"`
	MemoryID           string     `json:"memory_id"`
	Reason             string     `json:"reason"`
	RequestedBy        string     `json:"requested_by,omitempty"`
	Override           bool       `json:"override"`
	DerivedArtifactIDs []string   `json:"derived_artifact_ids"`
	Status             Status     `json:"status"`
	RequestedAt        time.Time  `json:"requested_at"`
	DeletionDate       time.Time  `json:"deletion_date"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *DeletionRequest) Clone() *DeletionRequest {
	c := *r
	c.DerivedArtifactIDs = slices.Clone(r.DerivedArtifactIDs)
	if r.ExecutedAt != nil {
		t := *r.ExecutedAt
		c.ExecutedAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// DeletionFilter narrows ListDeletions. Zero values match everything.
type DeletionFilter struct {
	Statuses []Status
	MemoryID string

	// DueBefore keeps requests whose DeletionDate is not after it.
	DueBefore time.Time
}

// Match reports whether r satisfies the filter.
func (f DeletionFilter) Match(r *DeletionRequest) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.MemoryID != "" && r.MemoryID != f.MemoryID {
		return false
	}
	if !f.DueBefore.IsZero() && r.DeletionDate.After(f.DueBefore) {
		return false
	}
	return true
}

// Store persists the provenance graph, deletion requests and certificates.
type Store interface {
	// PutNode inserts n. Inserting an existing id is a no-op.
	PutNode(ctx context.Context, n *Node) error

	// GetNode returns memory.NotFoundError for unknown ids. Tombstoned
	// nodes are returned with Tombstoned set.
	GetNode(ctx context.Context, id string) (*Node, error)

	// PutEdges inserts edges, ignoring ones already present.
	PutEdges(ctx context.Context, edges []Edge) error

	// Children returns the edges out of id in insertion order.
	Children(ctx context.Context, id string) ([]Edge, error)

	// Parents returns the edges into id in insertion order.
	Parents(ctx context.Context, id string) ([]Edge, error)

	PutDeletion(ctx context.Context, r *DeletionRequest) error
	GetDeletion(ctx context.Context, id string) (*DeletionRequest, error)

	// UpdateDeletion applies fn to a private copy of the request and commits
	// it atomically.
	UpdateDeletion(ctx context.Context, id string, fn func(*DeletionRequest) error) (*DeletionRequest, error)

	// ListDeletions returns matches oldest first.
	ListDeletions(ctx context.Context, f DeletionFilter) ([]*DeletionRequest, error)

	// PutCertificate stores c, replacing any certificate for the same request.
	PutCertificate(ctx context.Context, c *Certificate) error
	GetCertificate(ctx context.Context, requestID string) (*Certificate, error)

	// ApplyTombstones hides the memories and marks the graph nodes
	// tombstoned in a single transaction. It is idempotent.
	ApplyTombstones(ctx context.Context, memoryIDs, nodeIDs []string) error
}
