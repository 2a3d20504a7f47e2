// Package memory defines the memory record stored by cortex, its tier state
// machine and the error kinds shared by every component that touches memories.
//
// A memory is a unit of agent knowledge: a piece of text, its embedding, a
// storage tier and a criticality score. Memories are versioned on every content
// edit and are never physically removed; deletion flips a tombstone flag that
// hides the memory from every read path.
package memory

import (
	"maps"
	"slices"
	"time"
)

// CriticalityGuard is the criticality at or above which a memory may not be
// demoted by lifecycle passes nor deleted without an explicit override.
const CriticalityGuard = 0.7

// Memory is a single agent memory. Drivers hand out copies; mutating a
// returned Memory never changes stored state.
type Memory struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id,omitempty"`
	Text    string `json:"text"`

	// Embedding is the dense vector for Text. It is not serialized on the wire.
	Embedding []float32 `json:"-"`

	Tier            Tier       `json:"tier"`
	Criticality     float64    `json:"criticality"`
	RetrievalCount  int        `json:"retrieval_count"`
	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int        `json:"version"`

	// AssertedAt is when the current text was written: creation, or the
	// last edit that changed the text. Tier and criticality changes leave it
	// alone.
	AssertedAt time.Time `json:"asserted_at"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Resolved marks a memory superseded by a newer temporal update.
	Resolved bool `json:"resolved"`

	// Tombstoned memories are invisible to every read path.
	Tombstoned bool `json:"-"`
}

// Guarded reports whether the criticality guard applies to m.
func (m *Memory) Guarded() bool {
	return m.Criticality >= CriticalityGuard
}

// LastActivity is the time lifecycle passes age a memory from: the last
// retrieval, or creation for memories that were never retrieved.
func (m *Memory) LastActivity() time.Time {
	if m.LastRetrievedAt != nil {
		return *m.LastRetrievedAt
	}
	return m.CreatedAt
}

// Asserted returns AssertedAt, falling back to CreatedAt for memories
// stored without it.
func (m *Memory) Asserted() time.Time {
	if m.AssertedAt.IsZero() {
		return m.CreatedAt
	}
	return m.AssertedAt
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}

	c := *m
	c.Embedding = slices.Clone(m.Embedding)
	c.Tags = slices.Clone(m.Tags)
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	if m.LastRetrievedAt != nil {
		t := *m.LastRetrievedAt
		c.LastRetrievedAt = &t
	}
	return &c
}

// Version is one entry in a memory's append-only edit history.
type Version struct {
	MemoryID     string    `json:"memory_id"`
	Version      int       `json:"version"`
	Text         string    `json:"text"`
	Criticality  float64   `json:"criticality"`
	EditedBy     string    `json:"edited_by,omitempty"`
	EditedAt     time.Time `json:"edited_at"`
	ChangeReason string    `json:"change_reason,omitempty"`
}

// Edit is a versioned content update. ExpectedVersion must equal the stored
// version or the edit fails with a StaleWriteError.
type Edit struct {
	ID              string
	Text            string
	Criticality     *float64
	Tags            []string
	ExpectedVersion int
	EditedBy        string
	ChangeReason    string

	// EditedAt defaults to the time the edit is applied.
	EditedAt time.Time

	// Embedding replaces the stored embedding when Text changes.
	Embedding []float32
}

// Apply writes e onto m, a private copy, and bumps its version. Changing
// the text moves AssertedAt to EditedAt and clears Resolved: the memory now
// asserts a fresh fact. An edit that leaves m guarded pins it to hot.
func (e Edit) Apply(m *Memory) {
	if m.AssertedAt.IsZero() {
		m.AssertedAt = m.CreatedAt
	}
	if e.Text != m.Text {
		m.AssertedAt = e.EditedAt
		m.Resolved = false
	}
	m.Text = e.Text
	if e.Criticality != nil {
		m.Criticality = *e.Criticality
	}
	if e.Tags != nil {
		m.Tags = slices.Clone(e.Tags)
	}
	if len(e.Embedding) > 0 {
		m.Embedding = slices.Clone(e.Embedding)
	}
	m.Version++
	m.UpdatedAt = e.EditedAt
	if m.Guarded() {
		// Cannot fail: m is guarded.
		_ = Transition(m, TierHot, CausePin)
	}
}

// Scored pairs a memory with its similarity to a query vector.
type Scored struct {
	Memory *Memory `json:"memory"`
	Score  float32 `json:"score"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Tier    Tier
	AgentID string
	Limit   int
	Offset  int
}

// Match reports whether m satisfies the filter, ignoring pagination.
func (f ListFilter) Match(m *Memory) bool {
	if f.Tier != "" && m.Tier != f.Tier {
		return false
	}
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	return true
}
