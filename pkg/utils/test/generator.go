package testutils

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrMockGenerator is returned by MockGenerator while it is set to fail.
var ErrMockGenerator = errors.New("mock generation failure")

// MockGenerator answers by joining the memories it is given.
type MockGenerator struct {
	mu sync.Mutex

	// Response, when set, is returned for every call.
	Response string

	// FailTimes makes the next FailTimes calls fail.
	FailTimes int

	// Calls records the memories passed on each call.
	Calls [][]string
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

func (g *MockGenerator) Generate(_ context.Context, _ string, memories []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Calls = append(g.Calls, slices.Clone(memories))
	if g.FailTimes > 0 {
		g.FailTimes--
		return "", ErrMockGenerator
	}
	if g.Response != "" {
		return g.Response, nil
	}
	return strings.Join(memories, " "), nil
}

// CallCount returns the number of Generate calls so far.
func (g *MockGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}
