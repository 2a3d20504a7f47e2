package eventstream

import "context"

// Publisher publishes events to an event stream backend. Publishing is best
// effort for callers: a failed publish is logged, never rolled back into the
// state change that produced it.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
