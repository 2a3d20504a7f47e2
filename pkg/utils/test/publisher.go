package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/papercomputeco/cortex/pkg/eventstream"
)

// MockPublisher records published events.
type MockPublisher struct {
	mu     sync.Mutex
	events []*eventstream.Event

	// Fail makes Publish return an error without recording.
	Fail bool
}

var _ eventstream.Publisher = (*MockPublisher)(nil)

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (p *MockPublisher) Publish(_ context.Context, e *eventstream.Event) error {
	if e == nil {
		return eventstream.ErrNilEvent
	}
	if p.Fail {
		return errors.New("mock publish failure")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Events returns the recorded events in publish order.
func (p *MockPublisher) Events() []*eventstream.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*eventstream.Event(nil), p.events...)
}

// Types returns the event types in publish order.
func (p *MockPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

func (p *MockPublisher) Close() error {
	return nil
}
