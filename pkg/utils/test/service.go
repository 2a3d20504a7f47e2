package testutils

import (
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/lifecycle"
	"github.com/papercomputeco/cortex/pkg/logger"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/retry"
	"github.com/papercomputeco/cortex/pkg/service"
	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/inmemory"
)

// ServiceFixture is a complete Service over in-memory storage.
type ServiceFixture struct {
	Driver    *inmemory.Driver
	Index     *MockVectorDriver
	Publisher *MockPublisher
	Store     *storage.Store
	Engine    *attribution.Engine
	Service   *service.Service
}

// NewServiceFixture wires every engine against one in-memory driver. A nil
// generator uses the extractive default. Retries are fast so failure paths
// stay quick.
func NewServiceFixture(clock func() time.Time, embedder embeddings.Embedder, gen attribution.Generator) (*ServiceFixture, error) {
	log := logger.Nop()
	f := &ServiceFixture{
		Driver:    inmemory.NewDriver(),
		Index:     NewMockVectorDriver(),
		Publisher: NewMockPublisher(),
	}
	f.Store = storage.NewStore(storage.StoreConfig{
		Driver:    f.Driver,
		Index:     f.Index,
		Publisher: f.Publisher,
		Logger:    log,
		Now:       clock,
	})

	monitor, err := consistency.NewMonitor(consistency.Config{
		Store:     f.Driver,
		Memories:  f.Store,
		Publisher: f.Publisher,
		Logger:    log,
		Now:       clock,
	})
	if err != nil {
		return nil, err
	}

	ac := attribution.Config{
		Store:     f.Driver,
		Memories:  f.Store,
		Embedder:  embedder,
		Publisher: f.Publisher,
		Logger:    log,
		Retry:     retry.Policy{Attempts: 2, Initial: time.Millisecond},
		Now:       clock,
	}
	if gen != nil {
		ac.Generator = gen
	}
	f.Engine, err = attribution.NewEngine(ac)
	if err != nil {
		return nil, err
	}

	prov, err := provenance.NewEngine(provenance.Config{
		Store:     f.Driver,
		Memories:  f.Store,
		Index:     f.Store,
		Publisher: f.Publisher,
		Logger:    log,
		Now:       clock,
	})
	if err != nil {
		f.Engine.Close()
		return nil, err
	}

	life, err := lifecycle.NewManager(lifecycle.Config{Store: f.Store, Logger: log, Now: clock})
	if err != nil {
		f.Engine.Close()
		return nil, err
	}

	f.Service, err = service.New(service.Config{
		Store:       f.Store,
		Queries:     f.Driver,
		Embedder:    embedder,
		Monitor:     monitor,
		Attribution: f.Engine,
		Provenance:  prov,
		Lifecycle:   life,
		Logger:      log,
		Retry:       retry.Policy{Attempts: 2, Initial: time.Millisecond},
		Now:         clock,
	})
	if err != nil {
		f.Engine.Close()
		return nil, err
	}
	return f, nil
}

// Close stops the attribution pools.
func (f *ServiceFixture) Close() {
	f.Engine.Close()
}
