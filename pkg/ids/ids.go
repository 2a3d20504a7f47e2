// Package ids generates the identifiers cortex hands out.
//
// Entity ids are prefixed ULIDs ("mem_01J..."), sortable by creation time.
// Qdrant point ids must be UUIDs, so Point derives a stable UUID from an
// entity id.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	PrefixMemory        = "mem"
	PrefixQuery         = "qry"
	PrefixContradiction = "ctr"
	PrefixDeletion      = "del"
	PrefixArtifact      = "art"
	PrefixEvent         = "evt"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new id with the given prefix.
func New(prefix string) string {
	mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	mu.Unlock()

	return prefix + "_" + strings.ToLower(id.String())
}

// pointNamespace scopes the UUIDs derived by Point.
var pointNamespace = uuid.MustParse("6f1c7a0e-3b0d-4a53-9d2f-6c0de0c0a7e1")

// Point derives the deterministic UUID used to key id in a vector store that
// only accepts UUID point ids.
func Point(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}
