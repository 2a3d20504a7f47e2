package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/vector"
)

var memoryColumns = []string{
	"id", "agent_id", "text", "embedding", "tier", "criticality", "retrieval_count",
	"last_retrieved_at", "created_at", "updated_at", "version", "tags", "metadata",
	"resolved", "tombstoned", "asserted_at",
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(s scanner) (*memory.Memory, error) {
	var (
		m         memory.Memory
		embedding []byte
		tier      string
		lastRet   sql.NullTime
		tags      string
		metadata  string
	)
	if err := s.Scan(
		&m.ID, &m.AgentID, &m.Text, &embedding, &tier, &m.Criticality, &m.RetrievalCount,
		&lastRet, &m.CreatedAt, &m.UpdatedAt, &m.Version, &tags, &metadata,
		&m.Resolved, &m.Tombstoned, &m.AssertedAt,
	); err != nil {
		return nil, err
	}

	m.Tier = memory.Tier(tier)
	m.LastRetrievedAt = timeFromNull(lastRet)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.AssertedAt = m.AssertedAt.UTC()
	if len(embedding) > 0 {
		emb, err := vector.Decode(embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding of %s: %w", m.ID, err)
		}
		m.Embedding = emb
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", m.ID, err)
	}
	return &m, nil
}

func memoryValues(m *memory.Memory) ([]any, error) {
	tags, err := encodeJSON(nonNil(m.Tags))
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := encodeJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	var embedding []byte
	if len(m.Embedding) > 0 {
		embedding = vector.Encode(m.Embedding)
	}
	return []any{
		m.ID, m.AgentID, m.Text, embedding, string(m.Tier), m.Criticality, m.RetrievalCount,
		nullTime(m.LastRetrievedAt), utc(m.CreatedAt), utc(m.UpdatedAt), m.Version, tags, metadata,
		m.Resolved, m.Tombstoned, utc(m.AssertedAt),
	}, nil
}

// Put inserts m at version 1 together with its first version row.
func (d *Driver) Put(ctx context.Context, m *memory.Memory) error {
	if m == nil {
		return errors.New("cannot store nil memory")
	}
	c := m.Clone()
	c.Version = 1
	if c.AssertedAt.IsZero() {
		c.AssertedAt = c.CreatedAt
	}

	values, err := memoryValues(c)
	if err != nil {
		return err
	}

	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := d.getMemory(ctx, tx, c.ID, true); err == nil {
			return storage.ErrExists
		} else if !memory.IsNotFound(err) {
			return err
		}

		b := d.builder()
		if _, err := exec(ctx, tx, b.Insert(tableMemories).Columns(memoryColumns...).Values(values...)); err != nil {
			return fmt.Errorf("inserting memory: %w", err)
		}
		return d.insertVersion(ctx, tx, memory.Version{
			MemoryID:    c.ID,
			Version:     1,
			Text:        c.Text,
			Criticality: c.Criticality,
			EditedAt:    c.CreatedAt,
		})
	})
}

func (d *Driver) insertVersion(ctx context.Context, q querier, v memory.Version) error {
	_, err := exec(ctx, q, d.builder().Insert(tableVersions).
		Columns("memory_id", "version", "text", "criticality", "edited_by", "edited_at", "change_reason").
		Values(v.MemoryID, v.Version, v.Text, v.Criticality, v.EditedBy, utc(v.EditedAt), v.ChangeReason))
	if err != nil {
		return fmt.Errorf("inserting version %d of %s: %w", v.Version, v.MemoryID, err)
	}
	return nil
}

// getMemory loads a row. withTombstoned includes hidden rows.
func (d *Driver) getMemory(ctx context.Context, q querier, id string, withTombstoned bool) (*memory.Memory, error) {
	pred := entsql.EQ("id", id)
	if !withTombstoned {
		pred = entsql.And(pred, entsql.EQ("tombstoned", false))
	}
	b := d.builder()
	rows, err := query(ctx, q, b.Select(memoryColumns...).From(b.Table(tableMemories)).Where(pred))
	if err != nil {
		return nil, fmt.Errorf("querying memory %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{ID: id}
	}
	return scanMemory(rows)
}

// Get returns a visible memory.
func (d *Driver) Get(ctx context.Context, id string) (*memory.Memory, error) {
	return d.getMemory(ctx, d.db, id, false)
}

// List returns visible memories matching f, oldest first.
func (d *Driver) List(ctx context.Context, f memory.ListFilter) ([]*memory.Memory, error) {
	preds := []*entsql.Predicate{entsql.EQ("tombstoned", false)}
	if f.Tier != "" {
		preds = append(preds, entsql.EQ("tier", string(f.Tier)))
	}
	if f.AgentID != "" {
		preds = append(preds, entsql.EQ("agent_id", f.AgentID))
	}

	b := d.builder()
	sel := b.Select(memoryColumns...).From(b.Table(tableMemories)).
		Where(entsql.And(preds...)).
		OrderBy("created_at", "id")
	if f.Limit > 0 {
		sel.Limit(f.Limit)
		if f.Offset > 0 {
			sel.Offset(f.Offset)
		}
	}

	rows, err := query(ctx, d.db, sel)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit <= 0 && f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*memory.Memory{}, nil
		}
		out = out[f.Offset:]
	}
	return out, nil
}

// Update applies fn to a copy and writes it back guarded by the version it
// was read at, so a concurrent Edit from another process is not lost.
func (d *Driver) Update(ctx context.Context, id string, fn func(*memory.Memory) error) (*memory.Memory, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	m, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version := m.Version
	if err := fn(m); err != nil {
		return nil, err
	}
	m.ID = id
	m.Version = version
	m.Tombstoned = false

	u, err := d.updateMemory(m)
	if err != nil {
		return nil, err
	}
	res, err := exec(ctx, d.db, u.Where(entsql.And(entsql.EQ("id", id), entsql.EQ("version", version), entsql.EQ("tombstoned", false))))
	if err != nil {
		return nil, fmt.Errorf("updating memory %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &memory.StaleWriteError{ID: id, Expected: version, Actual: cur.Version}
	}
	return m, nil
}

func (d *Driver) updateMemory(m *memory.Memory) (*entsql.UpdateBuilder, error) {
	values, err := memoryValues(m)
	if err != nil {
		return nil, err
	}
	u := d.builder().Update(tableMemories)
	for i, col := range memoryColumns {
		if col == "id" {
			continue
		}
		u.Set(col, values[i])
	}
	return u, nil
}

// Edit applies a versioned edit and appends its version row in one
// transaction.
func (d *Driver) Edit(ctx context.Context, e memory.Edit) (*memory.Memory, error) {
	unlock := d.locks.Lock(e.ID)
	defer unlock()

	var out *memory.Memory
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		m, err := d.getMemory(ctx, tx, e.ID, false)
		if err != nil {
			return err
		}
		if m.Version != e.ExpectedVersion {
			return &memory.StaleWriteError{ID: e.ID, Expected: e.ExpectedVersion, Actual: m.Version}
		}

		prev := m.Version
		e.Apply(m)

		u, err := d.updateMemory(m)
		if err != nil {
			return err
		}
		res, err := exec(ctx, tx, u.Where(entsql.And(entsql.EQ("id", e.ID), entsql.EQ("version", prev))))
		if err != nil {
			return fmt.Errorf("updating memory %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &memory.StaleWriteError{ID: e.ID, Expected: e.ExpectedVersion, Actual: prev + 1}
		}

		if err := d.insertVersion(ctx, tx, memory.Version{
			MemoryID:     m.ID,
			Version:      m.Version,
			Text:         m.Text,
			Criticality:  m.Criticality,
			EditedBy:     e.EditedBy,
			EditedAt:     e.EditedAt,
			ChangeReason: e.ChangeReason,
		}); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Versions returns the history of a visible memory.
func (d *Driver) Versions(ctx context.Context, id string) ([]memory.Version, error) {
	if _, err := d.Get(ctx, id); err != nil {
		return nil, err
	}

	b := d.builder()
	rows, err := query(ctx, d.db, b.Select("memory_id", "version", "text", "criticality", "edited_by", "edited_at", "change_reason").
		From(b.Table(tableVersions)).
		Where(entsql.EQ("memory_id", id)).
		OrderBy("version"))
	if err != nil {
		return nil, fmt.Errorf("querying versions of %s: %w", id, err)
	}
	defer rows.Close()

	var out []memory.Version
	for rows.Next() {
		var v memory.Version
		if err := rows.Scan(&v.MemoryID, &v.Version, &v.Text, &v.Criticality, &v.EditedBy, &v.EditedAt, &v.ChangeReason); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		v.EditedAt = v.EditedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// Tombstone hides every id or none of them.
func (d *Driver) Tombstone(ctx context.Context, ids []string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		return d.tombstoneMemories(ctx, tx, ids)
	})
}

func (d *Driver) tombstoneMemories(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b := d.builder()
	rows, err := query(ctx, tx, b.Select("id").From(b.Table(tableMemories)).Where(entsql.In("id", anys(ids)...)))
	if err != nil {
		return fmt.Errorf("checking memories: %w", err)
	}
	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		found[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return memory.NotFoundError{ID: id}
		}
	}

	if _, err := exec(ctx, tx, b.Update(tableMemories).Set("tombstoned", true).Where(entsql.In("id", anys(ids)...))); err != nil {
		return fmt.Errorf("tombstoning memories: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
