package testutils

import (
	"context"
	"errors"

	"github.com/papercomputeco/cortex/pkg/vector"
	"github.com/papercomputeco/cortex/pkg/vector/inmemory"
)

// ErrMockVector is returned by MockVectorDriver operations set to fail.
var ErrMockVector = errors.New("mock vector failure")

// MockVectorDriver is an in-memory index whose operations can be made to
// fail.
type MockVectorDriver struct {
	*inmemory.Driver

	FailAdd    bool
	FailQuery  bool
	FailDelete bool

	// FailQueries fails that many Query calls before succeeding.
	FailQueries int

	// Deleted accumulates ids passed to Delete.
	Deleted []string

	// Windows accumulates the topK of every Query.
	Windows []int
}

var _ vector.Driver = (*MockVectorDriver)(nil)

func NewMockVectorDriver() *MockVectorDriver {
	return &MockVectorDriver{Driver: inmemory.NewDriver(0)}
}

func (m *MockVectorDriver) Add(ctx context.Context, docs []vector.Document) error {
	if m.FailAdd {
		return ErrMockVector
	}
	return m.Driver.Add(ctx, docs)
}

func (m *MockVectorDriver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	m.Windows = append(m.Windows, topK)
	if m.FailQuery {
		return nil, ErrMockVector
	}
	if m.FailQueries > 0 {
		m.FailQueries--
		return nil, ErrMockVector
	}
	return m.Driver.Query(ctx, embedding, topK)
}

func (m *MockVectorDriver) Delete(ctx context.Context, ids []string) error {
	if m.FailDelete {
		return ErrMockVector
	}
	m.Deleted = append(m.Deleted, ids...)
	return m.Driver.Delete(ctx, ids)
}
