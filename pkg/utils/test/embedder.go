package testutils

import (
	"context"
	"fmt"
	"sync"
)

// MockEmbedder is a test embedder that returns predictable embeddings
type MockEmbedder struct {
	mu sync.Mutex

	Embeddings map[string][]float32

	// FailOn causes Embed to return an error when the input text matches
	FailOn string

	// FailTimes fails that many Embed calls before succeeding.
	FailTimes int

	// Calls counts Embed invocations.
	Calls int
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		Embeddings: make(map[string][]float32),
	}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	if m.FailTimes > 0 {
		m.FailTimes--
		return nil, fmt.Errorf("mock embedding failure for: %s", text)
	}
	if m.FailOn != "" && text == m.FailOn {
		return nil, fmt.Errorf("mock embedding failure for: %s", text)
	}

	if emb, ok := m.Embeddings[text]; ok {
		return emb, nil
	}

	// Return a default embedding for any text
	return []float32{0.1, 0.2, 0.3}, nil
}

// Set registers the embedding returned for text.
func (m *MockEmbedder) Set(text string, emb ...float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Embeddings[text] = emb
}

func (m *MockEmbedder) Close() error {
	return nil
}
