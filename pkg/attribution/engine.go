package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/metrics"
	"github.com/papercomputeco/cortex/pkg/retry"
	"github.com/papercomputeco/cortex/pkg/vector"
	"github.com/papercomputeco/cortex/pkg/worker"
)

const (
	DefaultThreshold         = 0.85
	DefaultMinSamples        = 5
	DefaultValidationQueries = 50
	DefaultAblationFanout    = 4

	// unvalidatedConfidence is reported for amortized scores before the
	// first conclusive validation.
	unvalidatedConfidence = 0.5
)

// Config configures an Engine.
type Config struct {
	Store     Store
	Memories  Memories
	Embedder  embeddings.Embedder
	Generator Generator
	Publisher eventstream.Publisher
	Logger    *slog.Logger

	// AmortizedWorkers and ExactWorkers size the two scoring pools.
	AmortizedWorkers uint
	ExactWorkers     uint

	// AblationFanout bounds concurrent ablations within one exact call.
	AblationFanout int

	// Threshold is the correlation below which the engine is degraded.
	Threshold float64

	// MinSamples is the number of memory-level samples a validation needs
	// before it can flag the engine degraded.
	MinSamples int

	// ValidationQueries caps how many recent queries Validate samples.
	ValidationQueries int

	// Weights seeds the predictor. Defaults to DefaultWeights.
	Weights []float64

	Retry retry.Policy
	Now   func() time.Time
}

// Engine computes amortized and exact attributions.
type Engine struct {
	store     Store
	memories  Memories
	embedder  embeddings.Embedder
	generator Generator
	publisher eventstream.Publisher
	logger    *slog.Logger
	predictor *Predictor

	amortized *worker.Pool
	exact     *worker.Pool

	fanout     int
	threshold  float64
	minSamples int
	sampleSize int
	retry      retry.Policy
	now        func() time.Time

	mu     sync.RWMutex
	status Status
}

// NewEngine returns an Engine and starts its pools.
func NewEngine(c Config) (*Engine, error) {
	if c.Store == nil || c.Memories == nil || c.Embedder == nil {
		return nil, errors.New("attribution engine requires a store, memories and an embedder")
	}
	if c.Generator == nil {
		c.Generator = &ExtractiveGenerator{}
	}
	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AblationFanout <= 0 {
		c.AblationFanout = DefaultAblationFanout
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.ValidationQueries <= 0 {
		c.ValidationQueries = DefaultValidationQueries
	}
	if c.Retry.Attempts == 0 {
		c.Retry = retry.DefaultPolicy
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	amortized, err := worker.NewPool(&worker.Config{Name: "attribution-amortized", NumWorkers: c.AmortizedWorkers, Logger: c.Logger})
	if err != nil {
		return nil, fmt.Errorf("creating amortized pool: %w", err)
	}
	exact, err := worker.NewPool(&worker.Config{Name: "attribution-exact", NumWorkers: c.ExactWorkers, Logger: c.Logger})
	if err != nil {
		amortized.Close()
		return nil, fmt.Errorf("creating exact pool: %w", err)
	}

	predictor := NewPredictor(c.Weights)
	return &Engine{
		store:      c.Store,
		memories:   c.Memories,
		embedder:   c.Embedder,
		generator:  c.Generator,
		publisher:  c.Publisher,
		logger:     c.Logger,
		predictor:  predictor,
		amortized:  amortized,
		exact:      exact,
		fanout:     c.AblationFanout,
		threshold:  c.Threshold,
		minSamples: c.MinSamples,
		sampleSize: c.ValidationQueries,
		retry:      c.Retry,
		now:        c.Now,
		status:     Status{Threshold: c.Threshold, Weights: predictor.Weights()},
	}, nil
}

// Generate answers query from memory texts with the engine's generator.
func (e *Engine) Generate(ctx context.Context, query string, texts []string) (string, error) {
	return e.generate(ctx, query, texts)
}

// ScoreAmortized attributes response to the memories, ranked in the given
// order, with the learned predictor. Memories that have disappeared since
// retrieval are skipped. The scores are stored.
func (e *Engine) ScoreAmortized(ctx context.Context, queryID, response string, memoryIDs []string) ([]Attribution, error) {
	if len(memoryIDs) == 0 {
		return []Attribution{}, nil
	}

	var out []Attribution
	err := e.amortized.Submit(ctx, worker.Job{
		Name: "amortized " + queryID,
		Run: func(context.Context) error {
			var err error
			out, err = e.scoreAmortized(ctx, queryID, response, memoryIDs)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) scoreAmortized(ctx context.Context, queryID, response string, memoryIDs []string) ([]Attribution, error) {
	start := time.Now()
	defer func() {
		metrics.AttributionDuration.WithLabelValues(string(ModeAmortized)).Observe(time.Since(start).Seconds())
	}()

	mems, ranks, err := e.load(ctx, memoryIDs)
	if err != nil {
		return nil, err
	}
	features, err := e.features(ctx, response, mems, ranks)
	if err != nil {
		return nil, err
	}

	conf := e.confidence()
	now := e.now()
	elapsed := time.Since(start).Milliseconds()
	out := make([]Attribution, len(mems))
	for i, m := range mems {
		out[i] = Attribution{
			QueryID:       queryID,
			MemoryID:      m.ID,
			Weight:        e.predictor.Predict(features[i]),
			Confidence:    conf,
			Mode:          ModeAmortized,
			ComputeTimeMs: elapsed,
			CreatedAt:     now,
		}
	}

	if err := e.store.PutAttributions(ctx, out); err != nil {
		return nil, fmt.Errorf("storing attributions: %w", err)
	}
	return out, nil
}

// ScoreExact attributes response by leave-one-out ablation: the answer is
// regenerated with each memory withheld and the weight is the embedding
// shift 1 - cos(full, ablated), clamped to [0, 1]. An empty response is
// regenerated from all memories first. The scores are stored.
func (e *Engine) ScoreExact(ctx context.Context, queryID, queryText, response string, memoryIDs []string) ([]Attribution, error) {
	if len(memoryIDs) == 0 {
		return []Attribution{}, nil
	}

	var out []Attribution
	err := e.exact.Submit(ctx, worker.Job{
		Name: "exact " + queryID,
		Run: func(context.Context) error {
			var err error
			out, err = e.scoreExact(ctx, queryID, queryText, response, memoryIDs)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) scoreExact(ctx context.Context, queryID, queryText, response string, memoryIDs []string) ([]Attribution, error) {
	start := time.Now()
	defer func() {
		metrics.AttributionDuration.WithLabelValues(string(ModeExact)).Observe(time.Since(start).Seconds())
	}()

	mems, _, err := e.load(ctx, memoryIDs)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return []Attribution{}, nil
	}
	texts := make([]string, len(mems))
	for i, m := range mems {
		texts[i] = m.Text
	}

	if response == "" {
		if response, err = e.generate(ctx, queryText, texts); err != nil {
			return nil, err
		}
	}
	full, err := e.embed(ctx, response)
	if err != nil {
		return nil, err
	}

	weights := make([]float64, len(mems))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanout)
	for i := range mems {
		g.Go(func() error {
			rest := slices.Delete(slices.Clone(texts), i, i+1)
			ablated, err := e.generate(gctx, queryText, rest)
			if err != nil {
				return err
			}
			emb, err := e.embed(gctx, ablated)
			if err != nil {
				return err
			}
			weights[i] = math.Max(0, math.Min(1, 1-float64(vector.Cosine(full, emb))))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := e.now()
	elapsed := time.Since(start).Milliseconds()
	out := make([]Attribution, len(mems))
	for i, m := range mems {
		out[i] = Attribution{
			QueryID:       queryID,
			MemoryID:      m.ID,
			Weight:        weights[i],
			Confidence:    1,
			Mode:          ModeExact,
			ComputeTimeMs: elapsed,
			CreatedAt:     now,
		}
	}

	if err := e.store.PutAttributions(ctx, out); err != nil {
		return nil, fmt.Errorf("storing attributions: %w", err)
	}
	return out, nil
}

// holdoutModulus sends one query in holdoutModulus to the held-out set.
const holdoutModulus = 3

// HeldOut reports whether the query with id belongs to the validation
// set. The split depends on the id alone, so a query never moves between
// the fit and held-out sets across passes.
func HeldOut(id string) bool {
	return xxhash.Sum64String(id)%holdoutModulus == 0
}

// sample is one memory of one query scored both ways.
type sample struct {
	features Features
	exact    float64
}

// Validate refits the predictor on the exact weights of the recent fit
// queries and then measures it against exact attribution on the held-out
// queries only. Exact scores already stored for a query are reused.
func (e *Engine) Validate(ctx context.Context) (Status, error) {
	queries, err := e.store.ListQueries(ctx, time.Time{}, e.sampleSize)
	if err != nil {
		return e.Status(), fmt.Errorf("listing queries: %w", err)
	}

	var fit, held []sample
	for _, q := range queries {
		samples, err := e.samples(ctx, q)
		if err != nil {
			return e.Status(), err
		}
		if HeldOut(q.ID) {
			held = append(held, samples...)
		} else {
			fit = append(fit, samples...)
		}
	}

	if len(fit) >= len(DefaultWeights) {
		xs := make([]Features, len(fit))
		ys := make([]float64, len(fit))
		for i, s := range fit {
			xs[i], ys[i] = s.features, s.exact
		}
		if err := e.predictor.Fit(xs, ys); err != nil {
			e.logger.Warn("refitting attribution predictor", "error", err, "samples", len(fit))
		}
	}

	predicted := make([]float64, len(held))
	exact := make([]float64, len(held))
	for i, s := range held {
		predicted[i] = e.predictor.Predict(s.features)
		exact[i] = s.exact
	}
	r, conclusive := Pearson(predicted, exact)

	now := e.now()
	e.mu.Lock()
	e.status.Samples = len(held)
	e.status.FitSamples = len(fit)
	e.status.LastValidated = &now
	e.status.Weights = e.predictor.Weights()
	if conclusive {
		e.status.Correlation = r
		e.status.Degraded = len(held) >= e.minSamples && r < e.threshold
	}
	st := e.snapshot()
	e.mu.Unlock()

	metrics.AttributionCorrelation.Set(st.Correlation)
	metrics.AttributionDegraded.Set(metrics.Bool(st.Degraded))
	e.logger.Info("attribution validated",
		"correlation", st.Correlation, "samples", st.Samples, "fit_samples", st.FitSamples,
		"conclusive", conclusive, "degraded", st.Degraded)
	if err := e.publisher.Publish(ctx, eventstream.New(eventstream.EventTypeAttributionValidated, "attribution", st)); err != nil {
		e.logger.Warn("publishing event", "type", eventstream.EventTypeAttributionValidated, "error", err)
	}
	return st, nil
}

// samples scores the memories of q that still exist.
func (e *Engine) samples(ctx context.Context, q *Query) ([]sample, error) {
	if len(q.MemoryIDs) == 0 {
		return nil, nil
	}
	mems, ranks, err := e.load(ctx, q.MemoryIDs)
	if err != nil || len(mems) == 0 {
		return nil, err
	}
	fs, err := e.features(ctx, q.Response, mems, ranks)
	if err != nil {
		return nil, err
	}
	truth, err := e.exactWeights(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]sample, 0, len(mems))
	for i, m := range mems {
		if w, ok := truth[m.ID]; ok {
			out = append(out, sample{features: fs[i], exact: w})
		}
	}
	return out, nil
}

// Status returns the latest validation state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot()
}

// Degraded reports whether the last validation fell below the threshold.
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Degraded
}

// Close stops both pools after their queued jobs finish.
func (e *Engine) Close() {
	e.amortized.Close()
	e.exact.Close()
}

func (e *Engine) snapshot() Status {
	st := e.status
	st.Weights = slices.Clone(e.status.Weights)
	if e.status.LastValidated != nil {
		t := *e.status.LastValidated
		st.LastValidated = &t
	}
	return st
}

func (e *Engine) confidence() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status.LastValidated == nil || e.status.Samples == 0 {
		return unvalidatedConfidence
	}
	return math.Max(0, math.Min(1, e.status.Correlation))
}

func (e *Engine) exactWeights(ctx context.Context, q *Query) (map[string]float64, error) {
	stored, err := e.store.ListAttributions(ctx, Filter{QueryID: q.ID, Mode: ModeExact})
	if err != nil {
		return nil, fmt.Errorf("listing exact attributions: %w", err)
	}
	if len(stored) == 0 {
		if stored, err = e.ScoreExact(ctx, q.ID, q.Text, q.Response, q.MemoryIDs); err != nil {
			return nil, err
		}
	}

	out := make(map[string]float64, len(stored))
	for _, a := range stored {
		out[a.MemoryID] = a.Weight
	}
	return out, nil
}

// load fetches memories in order, skipping ids no longer visible, and
// returns each survivor's original rank.
func (e *Engine) load(ctx context.Context, memoryIDs []string) ([]*memory.Memory, []int, error) {
	mems := make([]*memory.Memory, 0, len(memoryIDs))
	ranks := make([]int, 0, len(memoryIDs))
	for rank, id := range memoryIDs {
		m, err := e.memories.Get(ctx, id)
		if memory.IsNotFound(err) {
			e.logger.Debug("skipping vanished memory", "memory_id", id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading memory %s: %w", id, err)
		}
		mems = append(mems, m)
		ranks = append(ranks, rank)
	}
	return mems, ranks, nil
}

func (e *Engine) features(ctx context.Context, response string, mems []*memory.Memory, ranks []int) ([]Features, error) {
	respEmb, err := e.embed(ctx, response)
	if err != nil {
		return nil, err
	}

	out := make([]Features, len(mems))
	for i, m := range mems {
		emb := m.Embedding
		if len(emb) == 0 {
			if emb, err = e.embed(ctx, m.Text); err != nil {
				return nil, err
			}
		}
		out[i] = Extract(response, respEmb, m.Text, emb, ranks[i])
	}
	return out, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		var err error
		out, err = e.embedder.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, degraded("embedding", err)
	}
	return out, nil
}

func (e *Engine) generate(ctx context.Context, query string, texts []string) (string, error) {
	var out string
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		var err error
		out, err = e.generator.Generate(ctx, query, texts)
		return err
	})
	if err != nil {
		return "", degraded("generating", err)
	}
	return out, nil
}

// degraded wraps retry exhaustion in ErrEngineDegraded. Context errors pass
// through unchanged.
func degraded(op string, err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w: %s: %w", ErrEngineDegraded, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
