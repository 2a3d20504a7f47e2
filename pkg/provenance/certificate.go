package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

// Certificate attests that a deletion cascade ran. Hash is content
// addressed over the other fields.
type Certificate struct {
	RequestID   string    `json:"request_id"`
	MemoryID    string    `json:"memory_id"`
	ArtifactIDs []string  `json:"artifact_ids"`
	ExecutedAt  time.Time `json:"executed_at"`
	Hash        string    `json:"hash"`
}

// certificateBody fixes the field order that is hashed.
type certificateBody struct {
	RequestID   string   `json:"request_id"`
	MemoryID    string   `json:"memory_id"`
	ArtifactIDs []string `json:"artifact_ids"`
	ExecutedAt  string   `json:"executed_at"`
}

// NewCertificate builds and hashes the certificate for a journal entry.
// ExecutedAt is truncated to microseconds, the finest precision every
// backend round-trips.
func NewCertificate(e Entry) *Certificate {
	c := &Certificate{
		RequestID:   e.RequestID,
		MemoryID:    e.MemoryID,
		ArtifactIDs: slices.Clone(e.ArtifactIDs),
		ExecutedAt:  e.ExecutedAt.UTC().Truncate(time.Microsecond),
	}
	if c.ArtifactIDs == nil {
		c.ArtifactIDs = []string{}
	}
	c.Hash = c.ComputeHash()
	return c
}

// ComputeHash returns the SHA-256 of the certificate's canonical JSON,
// excluding Hash itself.
func (c *Certificate) ComputeHash() string {
	ids := c.ArtifactIDs
	if ids == nil {
		ids = []string{}
	}
	body, err := json.Marshal(certificateBody{
		RequestID:   c.RequestID,
		MemoryID:    c.MemoryID,
		ArtifactIDs: ids,
		ExecutedAt:  c.ExecutedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// Strings and slices of strings always marshal.
		panic(err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether Hash matches the certificate's contents.
func (c *Certificate) Verify() bool {
	return c.Hash != "" && c.Hash == c.ComputeHash()
}
