package eventstream

import (
	"time"

	"github.com/papercomputeco/cortex/pkg/ids"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	EventTypeMemoryWritten         = "cortex.memory.written"
	EventTypeMemoryEdited          = "cortex.memory.edited"
	EventTypeTierChanged           = "cortex.memory.tier_changed"
	EventTypeContradictionDetected = "cortex.contradiction.detected"
	EventTypeContradictionResolved = "cortex.contradiction.resolved"
	EventTypeDeletionRequested     = "cortex.deletion.requested"
	EventTypeDeletionCancelled     = "cortex.deletion.cancelled"
	EventTypeDeletionCompleted     = "cortex.deletion.completed"
	EventTypeAttributionValidated  = "cortex.attribution.validated"
)

// Event is the transport-neutral envelope for everything cortex emits.
type Event struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	// Subject is the id of the entity the event is about. Publishers use it
	// as the partition key so events for one entity stay ordered.
	Subject string `json:"subject"`

	Data any `json:"data,omitempty"`
}

// New returns an event of eventType about subject, stamped now.
func New(eventType, subject string, data any) *Event {
	return &Event{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       ids.New(ids.PrefixEvent),
		EmittedAt:     time.Now().UTC(),
		Subject:       subject,
		Data:          data,
	}
}

// TierChange is the data of an EventTypeTierChanged event.
type TierChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`
}
