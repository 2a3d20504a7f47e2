package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
)

func (d *Driver) PutQuery(ctx context.Context, q *attribution.Query) error {
	ids, err := encodeJSON(nonNil(q.MemoryIDs))
	if err != nil {
		return fmt.Errorf("encoding memory ids: %w", err)
	}
	_, err = exec(ctx, d.db, d.builder().Insert(tableQueries).
		Columns(queryColumns...).
		Values(q.ID, q.Text, q.Response, ids, utc(q.CreatedAt), q.AgentID).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()))
	if err != nil {
		return fmt.Errorf("storing query %s: %w", q.ID, err)
	}
	return nil
}

var queryColumns = []string{"id", "text", "response", "memory_ids", "created_at", "agent_id"}

func scanQuery(s scanner) (*attribution.Query, error) {
	var (
		q   attribution.Query
		ids string
	)
	if err := s.Scan(&q.ID, &q.Text, &q.Response, &ids, &q.CreatedAt, &q.AgentID); err != nil {
		return nil, err
	}
	q.CreatedAt = q.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(ids), &q.MemoryIDs); err != nil {
		return nil, fmt.Errorf("decoding memory ids of %s: %w", q.ID, err)
	}
	return &q, nil
}

func (d *Driver) GetQuery(ctx context.Context, id string) (*attribution.Query, error) {
	b := d.builder()
	rows, err := query(ctx, d.db, b.Select(queryColumns...).From(b.Table(tableQueries)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying query %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{Kind: "query", ID: id}
	}
	return scanQuery(rows)
}

func (d *Driver) ListQueries(ctx context.Context, since time.Time, limit int) ([]*attribution.Query, error) {
	b := d.builder()
	sel := b.Select(queryColumns...).From(b.Table(tableQueries)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if !since.IsZero() {
		sel.Where(entsql.GTE("created_at", utc(since)))
	}
	if limit > 0 {
		sel.Limit(limit)
	}

	rows, err := query(ctx, d.db, sel)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	defer rows.Close()

	var out []*attribution.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// PutAttributions inserts as. A row already stored for the same query,
// memory and mode is kept as is.
func (d *Driver) PutAttributions(ctx context.Context, as []attribution.Attribution) error {
	if len(as) == 0 {
		return nil
	}
	ins := d.builder().Insert(tableAttributions).
		Columns("query_id", "memory_id", "mode", "weight", "confidence", "compute_time_ms", "created_at")
	for _, a := range as {
		ins.Values(a.QueryID, a.MemoryID, string(a.Mode), a.Weight, a.Confidence, a.ComputeTimeMs, utc(a.CreatedAt))
	}
	ins.OnConflict(entsql.ConflictColumns("query_id", "memory_id", "mode"), entsql.DoNothing())

	if _, err := exec(ctx, d.db, ins); err != nil {
		return fmt.Errorf("storing attributions: %w", err)
	}
	return nil
}

func (d *Driver) ListAttributions(ctx context.Context, f attribution.Filter) ([]attribution.Attribution, error) {
	var preds []*entsql.Predicate
	if f.QueryID != "" {
		preds = append(preds, entsql.EQ("query_id", f.QueryID))
	}
	if f.MemoryID != "" {
		preds = append(preds, entsql.EQ("memory_id", f.MemoryID))
	}
	if f.Mode != "" {
		preds = append(preds, entsql.EQ("mode", string(f.Mode)))
	}
	if !f.Since.IsZero() {
		preds = append(preds, entsql.GTE("created_at", utc(f.Since)))
	}

	b := d.builder()
	sel := b.Select("query_id", "memory_id", "mode", "weight", "confidence", "compute_time_ms", "created_at").
		From(b.Table(tableAttributions)).
		OrderBy("query_id", entsql.Desc("weight"))
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}

	rows, err := query(ctx, d.db, sel)
	if err != nil {
		return nil, fmt.Errorf("listing attributions: %w", err)
	}
	defer rows.Close()

	var out []attribution.Attribution
	for rows.Next() {
		var (
			a    attribution.Attribution
			mode string
		)
		if err := rows.Scan(&a.QueryID, &a.MemoryID, &mode, &a.Weight, &a.Confidence, &a.ComputeTimeMs, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attribution: %w", err)
		}
		a.Mode = attribution.Mode(mode)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

var contradictionColumns = []string{
	"id", "memory_id_a", "memory_id_b", "kind", "confidence", "similarity", "reason",
	"detected_at", "resolved", "resolved_at", "resolved_by",
}

func scanContradiction(s scanner) (*consistency.Contradiction, error) {
	var (
		c          consistency.Contradiction
		kind       string
		resolvedAt sql.NullTime
	)
	if err := s.Scan(&c.ID, &c.MemoryIDA, &c.MemoryIDB, &kind, &c.Confidence, &c.Similarity, &c.Reason,
		&c.DetectedAt, &c.Resolved, &resolvedAt, &c.ResolvedBy); err != nil {
		return nil, err
	}
	c.Kind = consistency.Kind(kind)
	c.DetectedAt = c.DetectedAt.UTC()
	c.ResolvedAt = timeFromNull(resolvedAt)
	return &c, nil
}

func (d *Driver) PutContradiction(ctx context.Context, c *consistency.Contradiction) error {
	_, err := exec(ctx, d.db, d.builder().Insert(tableContradictions).
		Columns(contradictionColumns...).
		Values(c.ID, c.MemoryIDA, c.MemoryIDB, string(c.Kind), c.Confidence, c.Similarity, c.Reason,
			utc(c.DetectedAt), c.Resolved, nullTime(c.ResolvedAt), c.ResolvedBy).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()))
	if err != nil {
		return fmt.Errorf("storing contradiction %s: %w", c.ID, err)
	}
	return nil
}

func (d *Driver) GetContradiction(ctx context.Context, id string) (*consistency.Contradiction, error) {
	return d.getContradiction(ctx, d.db, id)
}

func (d *Driver) getContradiction(ctx context.Context, q querier, id string) (*consistency.Contradiction, error) {
	b := d.builder()
	rows, err := query(ctx, q, b.Select(contradictionColumns...).From(b.Table(tableContradictions)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying contradiction %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{Kind: "contradiction", ID: id}
	}
	return scanContradiction(rows)
}

func (d *Driver) ListContradictions(ctx context.Context, f consistency.Filter) ([]*consistency.Contradiction, error) {
	var preds []*entsql.Predicate
	if f.Resolved != nil {
		preds = append(preds, entsql.EQ("resolved", *f.Resolved))
	}
	if f.MemoryID != "" {
		preds = append(preds, entsql.Or(entsql.EQ("memory_id_a", f.MemoryID), entsql.EQ("memory_id_b", f.MemoryID)))
	}
	if f.Kind != "" {
		preds = append(preds, entsql.EQ("kind", string(f.Kind)))
	}
	if !f.Since.IsZero() {
		preds = append(preds, entsql.GTE("detected_at", utc(f.Since)))
	}

	b := d.builder()
	sel := b.Select(contradictionColumns...).From(b.Table(tableContradictions)).
		OrderBy(entsql.Desc("detected_at"), entsql.Desc("id"))
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}

	rows, err := query(ctx, d.db, sel)
	if err != nil {
		return nil, fmt.Errorf("listing contradictions: %w", err)
	}
	defer rows.Close()

	var out []*consistency.Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Driver) ResolveContradiction(ctx context.Context, id, by string, at time.Time) (*consistency.Contradiction, error) {
	var out *consistency.Contradiction
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, d.builder().Update(tableContradictions).
			Set("resolved", true).
			Set("resolved_at", utc(at)).
			Set("resolved_by", by).
			Where(entsql.And(entsql.EQ("id", id), entsql.EQ("resolved", false)))); err != nil {
			return fmt.Errorf("resolving contradiction %s: %w", id, err)
		}

		c, err := d.getContradiction(ctx, tx, id)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}
