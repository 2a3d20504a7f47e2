package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
	"github.com/papercomputeco/cortex/pkg/ids"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/metrics"
	"github.com/papercomputeco/cortex/pkg/storage/keylock"
)

// DefaultGracePeriod is the wait between a deletion request and the
// earliest time it may execute.
const DefaultGracePeriod = 30 * 24 * time.Hour

var (
	// ErrCycle is returned when a derivation would make a node its own ancestor.
	ErrCycle = errors.New("derivation would create a cycle")

	// ErrInvalidArtifact is wrapped by RecordDerivation input errors.
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// Memories is the memory lookup the engine needs.
type Memories interface {
	Get(ctx context.Context, id string) (*memory.Memory, error)
}

// Index removes tombstoned ids from retrieval indices.
type Index interface {
	Delete(ctx context.Context, ids []string) error
}

// Config configures an Engine.
type Config struct {
	Store     Store
	Memories  Memories
	Index     Index
	Journal   Journal
	Publisher eventstream.Publisher
	Logger    *slog.Logger

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	Now func() time.Time
}

// Engine records derivations and runs deletion requests.
type Engine struct {
	store     Store
	memories  Memories
	index     Index
	journal   Journal
	publisher eventstream.Publisher
	logger    *slog.Logger
	grace     time.Duration
	now       func() time.Time

	memoryLocks  *keylock.Locks
	requestLocks *keylock.Locks
}

// NewEngine returns an Engine. The journal defaults to a MemoryJournal.
func NewEngine(c Config) (*Engine, error) {
	if c.Store == nil || c.Memories == nil {
		return nil, errors.New("provenance engine requires a store and memories")
	}
	if c.Journal == nil {
		c.Journal = NewMemoryJournal()
	}
	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Engine{
		store:        c.Store,
		memories:     c.Memories,
		index:        c.Index,
		journal:      c.Journal,
		publisher:    c.Publisher,
		logger:       c.Logger,
		grace:        c.GracePeriod,
		now:          c.Now,
		memoryLocks:  keylock.New(0),
		requestLocks: keylock.New(0),
	}, nil
}

// RecordDerivation registers art as derived from every parent. Parents are
// memories or previously recorded artifacts. Recording an existing artifact
// adds the new parents to it.
func (e *Engine) RecordDerivation(ctx context.Context, parentIDs []string, art Artifact) (*Node, error) {
	if len(parentIDs) == 0 {
		return nil, fmt.Errorf("%w: an artifact needs at least one parent", ErrInvalidArtifact)
	}
	if _, err := ParseArtifactType(string(art.Type)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if art.ID == "" {
		art.ID = ids.New(ids.PrefixArtifact)
	}
	if slices.Contains(parentIDs, art.ID) {
		return nil, fmt.Errorf("%w: %s lists itself as a parent", ErrCycle, art.ID)
	}
	switch _, err := e.memories.Get(ctx, art.ID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s is a memory id", ErrInvalidArtifact, art.ID)
	case !memory.IsNotFound(err):
		return nil, fmt.Errorf("checking artifact id %s: %w", art.ID, err)
	}

	for _, pid := range parentIDs {
		if err := e.ensureParent(ctx, pid); err != nil {
			return nil, err
		}
	}

	existing, err := e.store.GetNode(ctx, art.ID)
	switch {
	case err == nil:
		if existing.Tombstoned {
			return nil, memory.NotFoundError{Kind: "artifact", ID: art.ID}
		}
		if NodeKind(art.Type) != existing.Kind {
			return nil, fmt.Errorf("%w: artifact %s is a %s, not a %s", ErrInvalidArtifact, art.ID, existing.Kind, art.Type)
		}
		g, err := LoadGraph(ctx, e.store, art.ID)
		if err != nil {
			return nil, err
		}
		for _, pid := range parentIDs {
			if g.Contains(pid) {
				return nil, fmt.Errorf("%w: %s is derived from %s", ErrCycle, pid, art.ID)
			}
		}
	case memory.IsNotFound(err):
		existing = &Node{ID: art.ID, Kind: NodeKind(art.Type), Text: art.Text, CreatedAt: e.now()}
		if err := e.store.PutNode(ctx, existing); err != nil {
			return nil, fmt.Errorf("storing artifact %s: %w", art.ID, err)
		}
	default:
		return nil, fmt.Errorf("loading artifact %s: %w", art.ID, err)
	}

	edges := make([]Edge, len(parentIDs))
	for i, pid := range parentIDs {
		edges[i] = Edge{ParentID: pid, ChildID: art.ID, ArtifactType: art.Type}
	}
	if err := e.store.PutEdges(ctx, edges); err != nil {
		return nil, fmt.Errorf("storing edges for %s: %w", art.ID, err)
	}

	e.logger.Debug("derivation recorded", "artifact_id", art.ID, "type", art.Type, "parents", parentIDs)
	return existing, nil
}

// ensureParent checks pid is a live artifact or memory, adding a graph node
// for memories seen for the first time.
func (e *Engine) ensureParent(ctx context.Context, pid string) error {
	n, err := e.store.GetNode(ctx, pid)
	if err == nil {
		if n.Tombstoned {
			return memory.NotFoundError{Kind: string(n.Kind), ID: pid}
		}
		return nil
	}
	if !memory.IsNotFound(err) {
		return fmt.Errorf("loading parent %s: %w", pid, err)
	}

	m, err := e.memories.Get(ctx, pid)
	if err != nil {
		return err
	}
	return e.store.PutNode(ctx, &Node{ID: m.ID, Kind: NodeMemory, CreatedAt: m.CreatedAt})
}

// Lineage returns the graph reachable from id.
func (e *Engine) Lineage(ctx context.Context, id string) (*Graph, error) {
	return LoadGraph(ctx, e.store, id)
}

// RequestOptions modify RequestDeletion.
type RequestOptions struct {
	// Override permits deleting a guarded memory.
	Override    bool
	RequestedBy string
}

// RequestDeletion opens a deletion request for memoryID covering its whole
// derived closure. The request enters its grace period immediately.
func (e *Engine) RequestDeletion(ctx context.Context, memoryID, reason string, opts RequestOptions) (*DeletionRequest, error) {
	unlock := e.memoryLocks.Lock(memoryID)
	defer unlock()

	m, err := e.memories.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if m.Guarded() && !opts.Override {
		return nil, &memory.InvalidTransitionError{
			Resource: "deletion request",
			ID:       memoryID,
			From:     "none",
			To:       string(StatusPending),
			Reason: fmt.Sprintf("memory criticality %.2f is at or above the guard %.2f; set override to delete it",
				m.Criticality, memory.CriticalityGuard),
		}
	}

	active, err := e.store.ListDeletions(ctx, DeletionFilter{
		Statuses: []Status{StatusPending, StatusGracePeriod, StatusExecuting},
		MemoryID: memoryID,
	})
	if err != nil {
		return nil, fmt.Errorf("checking active requests: %w", err)
	}
	if len(active) > 0 {
		return nil, &memory.InvalidTransitionError{
			Resource: "deletion request",
			ID:       memoryID,
			From:     string(active[0].Status),
			To:       string(StatusPending),
			Reason:   "request " + active[0].ID + " is already active for this memory",
		}
	}

	g, err := LoadGraph(ctx, e.store, memoryID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	req := &DeletionRequest{
		ID:                 ids.New(ids.PrefixDeletion),
		MemoryID:           memoryID,
		Reason:             reason,
		RequestedBy:        opts.RequestedBy,
		Override:           opts.Override,
		DerivedArtifactIDs: g.Live(),
		Status:             StatusPending,
		RequestedAt:        now,
		DeletionDate:       now.Add(e.grace),
	}
	if req.DerivedArtifactIDs == nil {
		req.DerivedArtifactIDs = []string{}
	}
	if err := e.store.PutDeletion(ctx, req); err != nil {
		return nil, fmt.Errorf("storing deletion request: %w", err)
	}

	req, err = e.transition(ctx, req.ID, StatusGracePeriod, nil)
	if err != nil {
		return nil, err
	}

	e.logger.Info("deletion requested",
		"request_id", req.ID, "memory_id", memoryID, "artifacts", len(req.DerivedArtifactIDs),
		"deletion_date", req.DeletionDate, "override", opts.Override)
	e.publish(ctx, eventstream.EventTypeDeletionRequested, req)
	return req, nil
}

// CancelDeletion cancels a request that has not started executing.
func (e *Engine) CancelDeletion(ctx context.Context, id string) (*DeletionRequest, error) {
	unlock := e.requestLocks.Lock(id)
	defer unlock()

	req, err := e.transition(ctx, id, StatusCancelled, func(r *DeletionRequest) {
		at := e.now()
		r.CancelledAt = &at
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("deletion cancelled", "request_id", id, "memory_id", req.MemoryID)
	e.publish(ctx, eventstream.EventTypeDeletionCancelled, req)
	return req, nil
}

// ExecuteDeletion runs the cascade for request id. Unless now is set the
// grace period must have passed. A request left executing by a crash is
// resumed from its journal entry.
func (e *Engine) ExecuteDeletion(ctx context.Context, id string, now bool) (*DeletionRequest, error) {
	unlock := e.requestLocks.Lock(id)
	defer unlock()

	req, err := e.store.GetDeletion(ctx, id)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case StatusExecuting:
		entry, ok, err := e.pendingEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return e.cascade(ctx, entry)
		}
	case StatusGracePeriod:
	default:
		return nil, &memory.InvalidTransitionError{
			Resource: "deletion request",
			ID:       id,
			From:     string(req.Status),
			To:       string(StatusExecuting),
			Reason:   "only requests in their grace period can execute",
		}
	}

	at := e.now().UTC().Truncate(time.Microsecond)
	if !now && at.Before(req.DeletionDate) {
		return nil, &memory.InvalidTransitionError{
			Resource: "deletion request",
			ID:       id,
			From:     string(req.Status),
			To:       string(StatusExecuting),
			Reason:   "cannot execute: request still within grace period until " + req.DeletionDate.UTC().Format(time.RFC3339),
		}
	}

	// Artifacts derived during the grace period are swept up too.
	g, err := LoadGraph(ctx, e.store, req.MemoryID)
	if err != nil {
		return nil, err
	}
	artifacts := slices.Clone(req.DerivedArtifactIDs)
	for _, aid := range g.Live() {
		if !slices.Contains(artifacts, aid) {
			artifacts = append(artifacts, aid)
		}
	}

	entry := Entry{RequestID: id, MemoryID: req.MemoryID, ArtifactIDs: artifacts, ExecutedAt: at}
	if err := e.journal.Begin(ctx, entry); err != nil {
		return nil, fmt.Errorf("journaling deletion %s: %w", id, err)
	}
	if req.Status == StatusGracePeriod {
		if _, err := e.transition(ctx, id, StatusExecuting, func(r *DeletionRequest) {
			r.DerivedArtifactIDs = slices.Clone(artifacts)
		}); err != nil {
			return nil, err
		}
	}
	return e.cascade(ctx, entry)
}

// cascade tombstones the entry's memory and artifacts, purges them from the
// index, stores the certificate and commits. Every step is idempotent so a
// replay after a crash is safe.
func (e *Engine) cascade(ctx context.Context, entry Entry) (*DeletionRequest, error) {
	nodes := append([]string{entry.MemoryID}, entry.ArtifactIDs...)
	if err := e.store.ApplyTombstones(ctx, []string{entry.MemoryID}, nodes); err != nil {
		return nil, fmt.Errorf("tombstoning for %s: %w", entry.RequestID, err)
	}
	if e.index != nil {
		if err := e.index.Delete(ctx, nodes); err != nil {
			return nil, fmt.Errorf("purging index for %s: %w", entry.RequestID, err)
		}
	}

	cert := NewCertificate(entry)
	if err := e.store.PutCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("storing certificate for %s: %w", entry.RequestID, err)
	}

	req, err := e.store.UpdateDeletion(ctx, entry.RequestID, func(r *DeletionRequest) error {
		if r.Status == StatusCompleted {
			return nil
		}
		if !r.Status.CanTransition(StatusCompleted) {
			return invalidStatus(r, StatusCompleted)
		}
		at := entry.ExecutedAt
		r.Status = StatusCompleted
		r.ExecutedAt = &at
		r.DerivedArtifactIDs = slices.Clone(entry.ArtifactIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.journal.Commit(ctx, entry.RequestID); err != nil {
		return nil, fmt.Errorf("committing journal for %s: %w", entry.RequestID, err)
	}

	metrics.Deletions.WithLabelValues(string(StatusCompleted)).Inc()
	e.logger.Info("deletion completed",
		"request_id", entry.RequestID, "memory_id", entry.MemoryID, "artifacts", len(entry.ArtifactIDs), "hash", cert.Hash)
	e.publish(ctx, eventstream.EventTypeDeletionCompleted, req)
	return req, nil
}

// Recover finishes every cascade the journal shows as begun but not
// committed. It returns the number of cascades finished.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	entries, err := e.journal.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}

	var (
		done int
		errs []error
	)
	for _, entry := range entries {
		unlock := e.requestLocks.Lock(entry.RequestID)
		_, err := e.cascade(ctx, entry)
		unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		done++
		e.logger.Info("recovered deletion", "request_id", entry.RequestID)
	}
	return done, errors.Join(errs...)
}

// ExecuteDue executes every request whose grace period has passed and
// returns how many completed.
func (e *Engine) ExecuteDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDeletions(ctx, DeletionFilter{
		Statuses:  []Status{StatusGracePeriod},
		DueBefore: e.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("listing due deletions: %w", err)
	}

	var (
		done int
		errs []error
	)
	for _, r := range due {
		if _, err := e.ExecuteDeletion(ctx, r.ID, false); err != nil {
			errs = append(errs, fmt.Errorf("executing %s: %w", r.ID, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Deletion returns a request.
func (e *Engine) Deletion(ctx context.Context, id string) (*DeletionRequest, error) {
	return e.store.GetDeletion(ctx, id)
}

// Deletions lists requests matching f.
func (e *Engine) Deletions(ctx context.Context, f DeletionFilter) ([]*DeletionRequest, error) {
	return e.store.ListDeletions(ctx, f)
}

// Certificate returns the certificate of a completed request.
func (e *Engine) Certificate(ctx context.Context, requestID string) (*Certificate, error) {
	return e.store.GetCertificate(ctx, requestID)
}

func (e *Engine) pendingEntry(ctx context.Context, id string) (Entry, bool, error) {
	entries, err := e.journal.Pending(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading journal: %w", err)
	}
	for _, en := range entries {
		if en.RequestID == id {
			return en, true, nil
		}
	}
	return Entry{}, false, nil
}

func (e *Engine) transition(ctx context.Context, id string, to Status, mutate func(*DeletionRequest)) (*DeletionRequest, error) {
	req, err := e.store.UpdateDeletion(ctx, id, func(r *DeletionRequest) error {
		if !r.Status.CanTransition(to) {
			return invalidStatus(r, to)
		}
		r.Status = to
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Deletions.WithLabelValues(string(to)).Inc()
	return req, nil
}

func invalidStatus(r *DeletionRequest, to Status) error {
	var allowed []string
	for _, s := range transitions[r.Status] {
		allowed = append(allowed, string(s))
	}
	reason := "status is terminal"
	if len(allowed) > 0 {
		reason = "allowed next statuses are " + strings.Join(allowed, ", ")
	}
	return &memory.InvalidTransitionError{
		Resource: "deletion request",
		ID:       r.ID,
		From:     string(r.Status),
		To:       string(to),
		Reason:   reason,
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, r *DeletionRequest) {
	if err := e.publisher.Publish(ctx, eventstream.New(eventType, r.ID, r)); err != nil {
		e.logger.Warn("publishing event", "type", eventType, "error", err)
	}
}
