// Package bootstrap builds a running cortex from a resolved config: storage
// and vector drivers, embedder, LLM caller, event publisher, engines, service
// and the periodic jobs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/papercomputeco/cortex/api"
	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/config"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/dotdir"
	"github.com/papercomputeco/cortex/pkg/embeddings"
	embeddingutils "github.com/papercomputeco/cortex/pkg/embeddings/utils"
	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/async"
	"github.com/papercomputeco/cortex/pkg/eventstream/kafka"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
	"github.com/papercomputeco/cortex/pkg/lifecycle"
	"github.com/papercomputeco/cortex/pkg/llm"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/scheduler"
	"github.com/papercomputeco/cortex/pkg/service"
	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/inmemory"
	"github.com/papercomputeco/cortex/pkg/storage/postgres"
	"github.com/papercomputeco/cortex/pkg/storage/sqlite"
	"github.com/papercomputeco/cortex/pkg/vector"
	vectorinmemory "github.com/papercomputeco/cortex/pkg/vector/inmemory"
	"github.com/papercomputeco/cortex/pkg/vector/qdrant"
	"github.com/papercomputeco/cortex/pkg/vector/sqlitevec"
)

const defaultQdrantPort = 6334

// Options holds what New needs besides the config itself.
type Options struct {
	Config *config.Config

	// ConfigDir overrides the .cortex/ directory used for default file
	// locations.
	ConfigDir string

	// SkipRecover leaves interrupted deletion cascades for the caller to
	// finish with Provenance.Recover.
	SkipRecover bool

	Logger *slog.Logger
}

// App is a wired cortex instance.
type App struct {
	Config      *config.Config
	Store       *storage.Store
	Service     *service.Service
	Attribution *attribution.Engine
	Provenance  *provenance.Engine
	Lifecycle   *lifecycle.Manager

	logger    *slog.Logger
	publisher eventstream.Publisher
	journal   provenance.Journal
	jobs      *scheduler.Scheduler
}

// New builds every component named by o.Config. Unless o.SkipRecover is set,
// interrupted deletion cascades found in the journal are finished before New
// returns.
func New(ctx context.Context, o Options) (*App, error) {
	cfg := o.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &App{Config: cfg, logger: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	driver, err := newDriver(ctx, cfg, o.ConfigDir, log)
	if err != nil {
		return nil, err
	}

	index, err := newIndex(cfg, o.ConfigDir, log)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	a.publisher, err = newPublisher(cfg, log)
	if err != nil {
		_ = driver.Close()
		_ = index.Close()
		return nil, err
	}

	a.Store = storage.NewStore(storage.StoreConfig{
		Driver:    driver,
		Index:     index,
		Publisher: a.publisher,
		Logger:    log,
	})

	embedder, err := newEmbedder(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	call, err := newCaller(cfg)
	if err != nil {
		return nil, err
	}

	classifier, err := newClassifier(cfg, call, log)
	if err != nil {
		return nil, err
	}

	monitor, err := consistency.NewMonitor(consistency.Config{
		Store:            driver,
		Memories:         a.Store,
		Classifier:       classifier,
		Publisher:        a.publisher,
		Logger:           log,
		TopK:             cfg.Consistency.TopK,
		MinSimilarity:    cfg.Consistency.MinSimilarity,
		MinConfidence:    cfg.Consistency.MinConfidence,
		SupersedePenalty: cfg.Consistency.SupersedePenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consistency monitor: %w", err)
	}

	ac := attribution.Config{
		Store:            driver,
		Memories:         a.Store,
		Embedder:         embedder,
		Publisher:        a.publisher,
		Logger:           log,
		AmortizedWorkers: cfg.Attribution.AmortizedWorkers,
		ExactWorkers:     cfg.Attribution.ExactWorkers,
		AblationFanout:   cfg.Attribution.AblationFanout,
		Threshold:        cfg.Attribution.Threshold,
		MinSamples:       cfg.Attribution.MinSamples,
	}
	if call != nil {
		gen, err := attribution.NewLLMGenerator(call)
		if err != nil {
			return nil, err
		}
		ac.Generator = gen
	}
	a.Attribution, err = attribution.NewEngine(ac)
	if err != nil {
		return nil, fmt.Errorf("creating attribution engine: %w", err)
	}

	a.journal, err = newJournal(cfg, o.ConfigDir)
	if err != nil {
		return nil, err
	}
	grace, err := config.Duration(cfg.Compliance.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("compliance.grace_period: %w", err)
	}
	a.Provenance, err = provenance.NewEngine(provenance.Config{
		Store:       driver,
		Memories:    a.Store,
		Index:       a.Store,
		Journal:     a.journal,
		Publisher:   a.publisher,
		Logger:      log,
		GracePeriod: grace,
	})
	if err != nil {
		return nil, fmt.Errorf("creating provenance engine: %w", err)
	}

	hot, err := config.Duration(cfg.Lifecycle.HotTTL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.hot_ttl: %w", err)
	}
	warm, err := config.Duration(cfg.Lifecycle.WarmTTL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.warm_ttl: %w", err)
	}
	a.Lifecycle, err = lifecycle.NewManager(lifecycle.Config{
		Store:    a.Store,
		Logger:   log,
		HotTTL:   hot,
		WarmTTL:  warm,
		Schedule: cfg.Lifecycle.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lifecycle manager: %w", err)
	}

	a.Service, err = service.New(service.Config{
		Store:       a.Store,
		Queries:     driver,
		Embedder:    embedder,
		Monitor:     monitor,
		Attribution: a.Attribution,
		Provenance:  a.Provenance,
		Lifecycle:   a.Lifecycle,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}

	if !o.SkipRecover {
		recovered, err := a.Provenance.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovering deletions: %w", err)
		}
		if recovered > 0 {
			log.Info("finished interrupted deletions", "count", recovered)
		}
	}

	ok = true
	return a, nil
}

// Server returns the API server over the app's service.
func (a *App) Server() (*api.Server, error) {
	return api.NewServer(api.Config{
		ListenAddr: a.Config.API.Listen,
		DisableMCP: a.Config.API.DisableMCP,
	}, a.Service, a.logger)
}

// StartJobs starts the lifecycle schedule plus the due-deletion and
// attribution validation jobs. Empty schedules are skipped.
func (a *App) StartJobs() error {
	if a.jobs != nil {
		return errors.New("jobs already started")
	}

	if a.Config.Lifecycle.Schedule != "" {
		if err := a.Lifecycle.Start(); err != nil {
			return fmt.Errorf("starting lifecycle: %w", err)
		}
	}

	s := scheduler.New(scheduler.Config{Logger: a.logger})
	if spec := a.Config.Compliance.Schedule; spec != "" {
		if err := s.Add("deletions", spec, func(ctx context.Context) error {
			n, err := a.Provenance.ExecuteDue(ctx)
			if n > 0 {
				a.logger.Info("executed due deletions", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}
	if spec := a.Config.Attribution.ValidationSchedule; spec != "" {
		if err := s.Add("attribution-validation", spec, func(ctx context.Context) error {
			_, err := a.Attribution.Validate(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	s.Start()
	a.jobs = s
	return nil
}

// Close stops the jobs and releases every component. It is safe on a
// partially built App.
func (a *App) Close() error {
	if a.jobs != nil {
		a.jobs.Stop()
		a.jobs = nil
	}
	if a.Lifecycle != nil {
		a.Lifecycle.Stop()
	}
	if a.Attribution != nil {
		a.Attribution.Close()
	}

	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	return errors.Join(errs...)
}

func newDriver(ctx context.Context, cfg *config.Config, configDir string, log *slog.Logger) (storage.Driver, error) {
	switch cfg.Storage.Driver {
	case "inmemory":
		log.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	case "", "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			var err error
			path, err = dotdir.NewManager().DatabasePath(configDir)
			if err != nil {
				return nil, err
			}
		}
		d, err := sqlite.NewDriver(ctx, path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite driver: %w", err)
		}
		log.Info("using SQLite storage", "path", path)
		return d, nil

	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		d, err := postgres.NewDriver(ctx, cfg.Storage.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
		}
		log.Info("using PostgreSQL storage")
		return d, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
}

func newIndex(cfg *config.Config, configDir string, log *slog.Logger) (vector.Driver, error) {
	dims := cfg.Embedding.Dimensions

	switch cfg.VectorStore.Provider {
	case "inmemory":
		return vectorinmemory.NewDriver(int(dims)), nil

	case "", "sqlite":
		path := cfg.VectorStore.Target
		if path == "" {
			var err error
			path, err = dotdir.NewManager().VectorPath(configDir)
			if err != nil {
				return nil, err
			}
		}
		d, err := sqlitevec.NewDriver(sqlitevec.Config{DBPath: path, Dimensions: dims, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite-vec index: %w", err)
		}
		return d, nil

	case "qdrant":
		host, port, err := splitHostPort(cfg.VectorStore.Target)
		if err != nil {
			return nil, err
		}
		d, err := qdrant.NewDriver(qdrant.Config{
			Host:       host,
			Port:       port,
			APIKey:     cfg.VectorStore.APIKey,
			UseTLS:     cfg.VectorStore.APIKey != "",
			Collection: cfg.VectorStore.Collection,
			Dimensions: dims,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create qdrant index: %w", err)
		}
		return d, nil

	default:
		return nil, fmt.Errorf("unsupported vector store provider: %q", cfg.VectorStore.Provider)
	}
}

// splitHostPort reads a qdrant target of the form host[:port].
func splitHostPort(target string) (string, int, error) {
	if target == "" {
		return "localhost", defaultQdrantPort, nil
	}
	if !strings.Contains(target, ":") {
		return target, defaultQdrantPort, nil
	}
	host, p, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant target %q: %w", target, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant port %q: %w", p, err)
	}
	return host, port, nil
}

// newPublisher returns the configured event backend. A broker sits behind
// an async queue so its latency stays off the write path.
func newPublisher(cfg *config.Config, log *slog.Logger) (eventstream.Publisher, error) {
	switch cfg.Events.Provider {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		var brokers []string
		for _, b := range strings.Split(cfg.Events.Brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		p, err := kafka.NewPublisher(kafka.Config{Brokers: brokers, Topic: cfg.Events.Topic})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		queued, err := async.NewPublisher(async.Config{Next: p, Logger: log})
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		return queued, nil
	default:
		return nil, fmt.Errorf("unsupported events provider: %q", cfg.Events.Provider)
	}
}

func newEmbedder(ctx context.Context, cfg *config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	ttl, err := config.Duration(cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("cache.ttl: %w", err)
	}
	return embeddingutils.NewEmbedder(ctx, &embeddingutils.NewEmbedderOpts{
		ProviderType:  cfg.Embedding.Provider,
		TargetURL:     cfg.Embedding.Target,
		Model:         cfg.Embedding.Model,
		Dimensions:    int(cfg.Embedding.Dimensions),
		CacheAddr:     cfg.Cache.RedisAddr,
		CachePassword: cfg.Cache.RedisPassword,
		CacheTTL:      ttl,
		Logger:        log,
	})
}

// newCaller returns a nil caller when no LLM is configured.
func newCaller(cfg *config.Config) (llm.CallFunc, error) {
	timeout, err := config.Duration(cfg.LLM.Timeout)
	if err != nil {
		return nil, fmt.Errorf("llm.timeout: %w", err)
	}
	call, err := llm.New(llm.CallerConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.Target,
		Timeout:  timeout,
	})
	if errors.Is(err, llm.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating llm caller: %w", err)
	}
	return call, nil
}

func newClassifier(cfg *config.Config, call llm.CallFunc, log *slog.Logger) (consistency.Classifier, error) {
	switch cfg.Consistency.Classifier {
	case "", "heuristic":
		return consistency.NewHeuristicClassifier(consistency.HeuristicConfig{}), nil
	case "llm":
		if call == nil {
			return nil, errors.New("consistency.classifier llm requires llm.provider")
		}
		c, err := consistency.NewLLMClassifier(consistency.LLMConfig{Call: call, Logger: log})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported contradiction classifier: %q", cfg.Consistency.Classifier)
	}
}

// newJournal keeps the in-memory store's journal in memory too, since a
// file journal would outlive the data it describes.
func newJournal(cfg *config.Config, configDir string) (provenance.Journal, error) {
	if cfg.Storage.Driver == "inmemory" {
		return provenance.NewMemoryJournal(), nil
	}
	path := cfg.Compliance.JournalPath
	if path == "" {
		var err error
		path, err = dotdir.NewManager().JournalPath(configDir)
		if err != nil {
			return nil, err
		}
	}
	j, err := provenance.OpenFileJournal(path)
	if err != nil {
		return nil, fmt.Errorf("opening deletion journal: %w", err)
	}
	return j, nil
}
