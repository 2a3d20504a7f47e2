// Package service ties the memory store and the engines into the write and
// query paths the API serves.
//
// A write embeds the text, checks it against its neighbours before
// committing, then records whatever contradictions were found. A query
// retrieves, counts the retrievals, generates an answer and attributes it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/ids"
	"github.com/papercomputeco/cortex/pkg/lifecycle"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/retry"
	"github.com/papercomputeco/cortex/pkg/storage"
)

const (
	DefaultK           = 5
	DefaultCriticality = 0.5

	// ImpactWindow is how far back Impact and Health look.
	ImpactWindow = 30 * 24 * time.Hour

	// UsefulWeight is the amortized weight at which a retrieval counts as
	// having contributed to its answer.
	UsefulWeight = 0.1

	// BoostWeight is the average weight above which Impact recommends
	// raising a memory's criticality.
	BoostWeight = 0.5
)

// WarningEngineDegraded is attached to query results whose attributions
// can't be trusted.
const WarningEngineDegraded = "EngineDegraded"

// Config configures a Service. Every field except Logger, DefaultK and Now
// is required.
type Config struct {
	Store       *storage.Store
	Queries     attribution.Store
	Embedder    embeddings.Embedder
	Monitor     *consistency.Monitor
	Attribution *attribution.Engine
	Provenance  *provenance.Engine
	Lifecycle   *lifecycle.Manager
	Logger      *slog.Logger

	// DefaultK is the retrieval depth of queries that don't set one.
	DefaultK int

	// Retry bounds embedding and index calls. Defaults to
	// retry.DefaultPolicy.
	Retry retry.Policy

	Now func() time.Time
}

// Service runs the cortex write and query paths.
type Service struct {
	store       *storage.Store
	queries     attribution.Store
	embedder    embeddings.Embedder
	monitor     *consistency.Monitor
	attribution *attribution.Engine
	provenance  *provenance.Engine
	lifecycle   *lifecycle.Manager
	logger      *slog.Logger
	defaultK    int
	retry       retry.Policy
	now         func() time.Time
}

// New returns a Service.
func New(c Config) (*Service, error) {
	if c.Store == nil || c.Queries == nil || c.Embedder == nil {
		return nil, errors.New("service requires a store, a query store and an embedder")
	}
	if c.Monitor == nil || c.Attribution == nil || c.Provenance == nil || c.Lifecycle == nil {
		return nil, errors.New("service requires the consistency, attribution, provenance and lifecycle engines")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DefaultK <= 0 {
		c.DefaultK = DefaultK
	}
	if c.Retry.Attempts == 0 {
		c.Retry = retry.DefaultPolicy
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Service{
		store:       c.Store,
		queries:     c.Queries,
		embedder:    c.Embedder,
		monitor:     c.Monitor,
		attribution: c.Attribution,
		provenance:  c.Provenance,
		lifecycle:   c.Lifecycle,
		logger:      c.Logger,
		defaultK:    c.DefaultK,
		retry:       c.Retry,
		now:         c.Now,
	}, nil
}

// Store returns the memory store.
func (s *Service) Store() *storage.Store { return s.store }

// Monitor returns the consistency monitor.
func (s *Service) Monitor() *consistency.Monitor { return s.monitor }

// Attribution returns the attribution engine.
func (s *Service) Attribution() *attribution.Engine { return s.attribution }

// Provenance returns the provenance engine.
func (s *Service) Provenance() *provenance.Engine { return s.provenance }

// Lifecycle returns the lifecycle manager.
func (s *Service) Lifecycle() *lifecycle.Manager { return s.lifecycle }

// IngestRequest is a new memory.
type IngestRequest struct {
	ID       string
	AgentID  string
	Text     string
	Tags     []string
	Metadata map[string]any

	// Criticality defaults to DefaultCriticality.
	Criticality *float64

	// CreatedAt backdates the memory. Zero means now.
	CreatedAt time.Time
}

// IngestResult is the committed memory and the contradictions its write
// produced.
type IngestResult struct {
	Memory         *memory.Memory
	Contradictions []*consistency.Contradiction
}

// Ingest embeds, checks and stores a new memory. Contradictions that fail to
// record are logged; the memory is already committed by then.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, memory.ErrEmptyText
	}
	crit := DefaultCriticality
	if req.Criticality != nil {
		crit = *req.Criticality
	}
	if err := memory.ValidateCriticality(crit); err != nil {
		return nil, err
	}

	emb, err := s.embed(ctx, "embedding memory", req.Text)
	if err != nil {
		return nil, err
	}

	m := &memory.Memory{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Text:        req.Text,
		Embedding:   emb,
		Tier:        memory.TierHot,
		Criticality: crit,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		CreatedAt:   req.CreatedAt,
	}
	if m.ID == "" {
		m.ID = ids.New(ids.PrefixMemory)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	found, err := s.monitor.Detect(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("checking consistency: %w", err)
	}
	if err := s.store.Put(ctx, m); err != nil {
		return nil, err
	}
	if err := s.monitor.Record(ctx, m.ID, found); err != nil {
		s.logger.Warn("recording contradictions", "memory_id", m.ID, "error", err)
	}

	if found == nil {
		found = []*consistency.Contradiction{}
	}
	return &IngestResult{Memory: m, Contradictions: found}, nil
}

// EditResult is an edited memory and the contradictions its new text
// produced.
type EditResult struct {
	Memory         *memory.Memory
	Contradictions []*consistency.Contradiction
}

// Edit applies a versioned edit, reembedding the new text, and checks the
// edited memory for contradictions.
func (s *Service) Edit(ctx context.Context, e memory.Edit) (*EditResult, error) {
	if strings.TrimSpace(e.Text) == "" {
		return nil, memory.ErrEmptyText
	}
	emb, err := s.embed(ctx, "embedding memory", e.Text)
	if err != nil {
		return nil, err
	}
	e.Embedding = emb

	m, err := s.store.Edit(ctx, e)
	if err != nil {
		return nil, err
	}

	found, err := s.monitor.CheckOnWrite(ctx, m)
	if err != nil {
		s.logger.Warn("checking edited memory", "memory_id", m.ID, "error", err)
	}
	if found == nil {
		found = []*consistency.Contradiction{}
	}
	if m.Resolved {
		if cur, err := s.store.Get(ctx, m.ID); err == nil {
			m = cur
		}
	}
	return &EditResult{Memory: m, Contradictions: found}, nil
}

// SetCriticality updates a memory's criticality.
func (s *Service) SetCriticality(ctx context.Context, id string, value float64) (*memory.Memory, error) {
	return s.store.SetCriticality(ctx, id, value)
}

// QueryResult is an answered query.
type QueryResult struct {
	QueryID      string                    `json:"query_id"`
	Response     string                    `json:"response"`
	Memories     []memory.Scored           `json:"memories"`
	Attributions []attribution.Attribution `json:"attributions"`
	Warnings     []string                  `json:"warnings"`
}

// QueryRequest is a question asked of the memory store.
type QueryRequest struct {
	Text string

	// K is the retrieval depth. Zero means the service default.
	K int

	// AgentID is recorded with the query for per-agent reporting.
	AgentID string
}

// Query answers the request from the K most similar memories and
// attributes the answer. Every retrieved memory is promoted to hot. A
// degraded attribution engine still answers; the result carries a warning
// instead.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	text, k := req.Text, req.K
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("query text must not be empty")
	}
	if k <= 0 {
		k = s.defaultK
	}

	now := s.now()
	retrieved, err := s.retrieve(ctx, text, k, now)
	if err != nil {
		return nil, err
	}

	memoryIDs := make([]string, len(retrieved))
	texts := make([]string, len(retrieved))
	for i, sc := range retrieved {
		memoryIDs[i] = sc.Memory.ID
		texts[i] = sc.Memory.Text
	}

	response, err := s.attribution.Generate(ctx, text, texts)
	if err != nil {
		return nil, err
	}

	q := &attribution.Query{
		ID:        ids.New(ids.PrefixQuery),
		AgentID:   req.AgentID,
		Text:      text,
		Response:  response,
		MemoryIDs: memoryIDs,
		CreatedAt: now,
	}
	if err := s.queries.PutQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("storing query: %w", err)
	}

	result := &QueryResult{
		QueryID:      q.ID,
		Response:     response,
		Memories:     retrieved,
		Attributions: []attribution.Attribution{},
		Warnings:     []string{},
	}

	attrs, err := s.attribution.ScoreAmortized(ctx, q.ID, response, memoryIDs)
	switch {
	case errors.Is(err, attribution.ErrEngineDegraded):
		s.logger.Warn("amortized attribution failed", "query_id", q.ID, "error", err)
		result.Warnings = append(result.Warnings, WarningEngineDegraded+": "+err.Error())
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("attributing query %s: %w", q.ID, err)
	}
	result.Attributions = attrs

	if st := s.attribution.Status(); st.Degraded {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%s: amortized correlation %.2f is below %.2f", WarningEngineDegraded, st.Correlation, st.Threshold))
	}
	return result, nil
}

// Search returns the k memories most similar to text. Results count as
// retrievals and are promoted to hot.
func (s *Service) Search(ctx context.Context, text string, k int) ([]memory.Scored, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("search text must not be empty")
	}
	if k <= 0 {
		k = s.defaultK
	}
	return s.retrieve(ctx, text, k, s.now())
}

func (s *Service) retrieve(ctx context.Context, text string, k int, now time.Time) ([]memory.Scored, error) {
	emb, err := s.embed(ctx, "embedding query", text)
	if err != nil {
		return nil, err
	}
	var scored []memory.Scored
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		scored, err = s.store.RetrieveSimilar(ctx, emb, k)
		return err
	})
	if err != nil {
		return nil, unavailable("retrieving memories", err)
	}

	out := make([]memory.Scored, 0, len(scored))
	for _, sc := range scored {
		m, err := s.store.RecordRetrieval(ctx, sc.Memory.ID, now)
		if memory.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recording retrieval of %s: %w", sc.Memory.ID, err)
		}
		out = append(out, memory.Scored{Memory: m, Score: sc.Score})
	}
	return out, nil
}

func (s *Service) embed(ctx context.Context, op, text string) ([]float32, error) {
	var out []float32
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		out, err = s.embedder.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// unavailable reports retry exhaustion as ErrEngineDegraded so callers see
// a dependency outage rather than an internal fault.
func unavailable(op string, err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w: %s: %w", attribution.ErrEngineDegraded, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ExactAttributions runs exact attribution for a stored query.
func (s *Service) ExactAttributions(ctx context.Context, queryID string) ([]attribution.Attribution, error) {
	q, err := s.queries.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	return s.attribution.ScoreExact(ctx, q.ID, q.Text, q.Response, q.MemoryIDs)
}

// Attributions returns every stored attribution of a query.
func (s *Service) Attributions(ctx context.Context, queryID string) ([]attribution.Attribution, error) {
	if _, err := s.queries.GetQuery(ctx, queryID); err != nil {
		return nil, err
	}
	return s.queries.ListAttributions(ctx, attribution.Filter{QueryID: queryID})
}
