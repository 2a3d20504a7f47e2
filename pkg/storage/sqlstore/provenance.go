package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
)

func (d *Driver) PutNode(ctx context.Context, n *provenance.Node) error {
	_, err := exec(ctx, d.db, d.builder().Insert(tableNodes).
		Columns("id", "kind", "text", "created_at", "tombstoned").
		Values(n.ID, string(n.Kind), n.Text, utc(n.CreatedAt), n.Tombstoned).
		OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing()))
	if err != nil {
		return fmt.Errorf("storing node %s: %w", n.ID, err)
	}
	return nil
}

func (d *Driver) GetNode(ctx context.Context, id string) (*provenance.Node, error) {
	b := d.builder()
	rows, err := query(ctx, d.db, b.Select("id", "kind", "text", "created_at", "tombstoned").
		From(b.Table(tableNodes)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying node %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{Kind: "node", ID: id}
	}
	var (
		n    provenance.Node
		kind string
	)
	if err := rows.Scan(&n.ID, &kind, &n.Text, &n.CreatedAt, &n.Tombstoned); err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	n.Kind = provenance.NodeKind(kind)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func (d *Driver) PutEdges(ctx context.Context, edges []provenance.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	ins := d.builder().Insert(tableEdges).Columns("parent_id", "child_id", "artifact_type")
	for _, e := range edges {
		ins.Values(e.ParentID, e.ChildID, string(e.ArtifactType))
	}
	ins.OnConflict(entsql.ConflictColumns("parent_id", "child_id"), entsql.DoNothing())

	if _, err := exec(ctx, d.db, ins); err != nil {
		return fmt.Errorf("storing edges: %w", err)
	}
	return nil
}

func (d *Driver) edges(ctx context.Context, column, id string) ([]provenance.Edge, error) {
	b := d.builder()
	rows, err := query(ctx, d.db, b.Select("parent_id", "child_id", "artifact_type").
		From(b.Table(tableEdges)).Where(entsql.EQ(column, id)).OrderBy("seq"))
	if err != nil {
		return nil, fmt.Errorf("querying edges of %s: %w", id, err)
	}
	defer rows.Close()

	var out []provenance.Edge
	for rows.Next() {
		var (
			e  provenance.Edge
			at string
		)
		if err := rows.Scan(&e.ParentID, &e.ChildID, &at); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.ArtifactType = provenance.ArtifactType(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *Driver) Children(ctx context.Context, id string) ([]provenance.Edge, error) {
	return d.edges(ctx, "parent_id", id)
}

func (d *Driver) Parents(ctx context.Context, id string) ([]provenance.Edge, error) {
	return d.edges(ctx, "child_id", id)
}

var deletionColumns = []string{
	"id", "memory_id", "reason", "requested_by", "override_guard", "derived_artifact_ids",
	"status", "requested_at", "deletion_date", "executed_at", "cancelled_at",
}

func deletionValues(r *provenance.DeletionRequest) ([]any, error) {
	ids, err := encodeJSON(nonNil(r.DerivedArtifactIDs))
	if err != nil {
		return nil, fmt.Errorf("encoding artifact ids: %w", err)
	}
	return []any{
		r.ID, r.MemoryID, r.Reason, r.RequestedBy, r.Override, ids,
		string(r.Status), utc(r.RequestedAt), utc(r.DeletionDate), nullTime(r.ExecutedAt), nullTime(r.CancelledAt),
	}, nil
}

func scanDeletion(s scanner) (*provenance.DeletionRequest, error) {
	var (
		r         provenance.DeletionRequest
		ids       string
		status    string
		executed  sql.NullTime
		cancelled sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.MemoryID, &r.Reason, &r.RequestedBy, &r.Override, &ids,
		&status, &r.RequestedAt, &r.DeletionDate, &executed, &cancelled); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &r.DerivedArtifactIDs); err != nil {
		return nil, fmt.Errorf("decoding artifact ids of %s: %w", r.ID, err)
	}
	r.Status = provenance.Status(status)
	r.RequestedAt = r.RequestedAt.UTC()
	r.DeletionDate = r.DeletionDate.UTC()
	r.ExecutedAt = timeFromNull(executed)
	r.CancelledAt = timeFromNull(cancelled)
	return &r, nil
}

func (d *Driver) PutDeletion(ctx context.Context, r *provenance.DeletionRequest) error {
	values, err := deletionValues(r)
	if err != nil {
		return err
	}
	if _, err := exec(ctx, d.db, d.builder().Insert(tableDeletions).Columns(deletionColumns...).Values(values...)); err != nil {
		return fmt.Errorf("storing deletion request %s: %w", r.ID, err)
	}
	return nil
}

func (d *Driver) GetDeletion(ctx context.Context, id string) (*provenance.DeletionRequest, error) {
	return d.getDeletion(ctx, d.db, id)
}

func (d *Driver) getDeletion(ctx context.Context, q querier, id string) (*provenance.DeletionRequest, error) {
	b := d.builder()
	rows, err := query(ctx, q, b.Select(deletionColumns...).From(b.Table(tableDeletions)).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying deletion request %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{Kind: "deletion request", ID: id}
	}
	return scanDeletion(rows)
}

// UpdateDeletion reads, mutates and writes the request in one transaction.
func (d *Driver) UpdateDeletion(ctx context.Context, id string, fn func(*provenance.DeletionRequest) error) (*provenance.DeletionRequest, error) {
	unlock := d.locks.Lock("deletion:" + id)
	defer unlock()

	var out *provenance.DeletionRequest
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		r, err := d.getDeletion(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		r.ID = id

		values, err := deletionValues(r)
		if err != nil {
			return err
		}
		u := d.builder().Update(tableDeletions)
		for i, col := range deletionColumns[1:] {
			u.Set(col, values[i+1])
		}
		if _, err := exec(ctx, tx, u.Where(entsql.EQ("id", id))); err != nil {
			return fmt.Errorf("updating deletion request %s: %w", id, err)
		}
		out = r
		return nil
	})
	return out, err
}

func (d *Driver) ListDeletions(ctx context.Context, f provenance.DeletionFilter) ([]*provenance.DeletionRequest, error) {
	var preds []*entsql.Predicate
	if len(f.Statuses) > 0 {
		statuses := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		preds = append(preds, entsql.In("status", statuses...))
	}
	if f.MemoryID != "" {
		preds = append(preds, entsql.EQ("memory_id", f.MemoryID))
	}
	if !f.DueBefore.IsZero() {
		preds = append(preds, entsql.LTE("deletion_date", utc(f.DueBefore)))
	}

	b := d.builder()
	sel := b.Select(deletionColumns...).From(b.Table(tableDeletions)).OrderBy("requested_at", "id")
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}

	rows, err := query(ctx, d.db, sel)
	if err != nil {
		return nil, fmt.Errorf("listing deletion requests: %w", err)
	}
	defer rows.Close()

	var out []*provenance.DeletionRequest
	for rows.Next() {
		r, err := scanDeletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Driver) PutCertificate(ctx context.Context, c *provenance.Certificate) error {
	ids, err := encodeJSON(nonNil(c.ArtifactIDs))
	if err != nil {
		return fmt.Errorf("encoding artifact ids: %w", err)
	}
	_, err = exec(ctx, d.db, d.builder().Insert(tableCertificates).
		Columns("request_id", "memory_id", "artifact_ids", "executed_at", "hash").
		Values(c.RequestID, c.MemoryID, ids, utc(c.ExecutedAt), c.Hash).
		OnConflict(entsql.ConflictColumns("request_id"), entsql.ResolveWithNewValues()))
	if err != nil {
		return fmt.Errorf("storing certificate for %s: %w", c.RequestID, err)
	}
	return nil
}

func (d *Driver) GetCertificate(ctx context.Context, requestID string) (*provenance.Certificate, error) {
	b := d.builder()
	rows, err := query(ctx, d.db, b.Select("request_id", "memory_id", "artifact_ids", "executed_at", "hash").
		From(b.Table(tableCertificates)).Where(entsql.EQ("request_id", requestID)))
	if err != nil {
		return nil, fmt.Errorf("querying certificate for %s: %w", requestID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NotFoundError{Kind: "certificate", ID: requestID}
	}
	var (
		c   provenance.Certificate
		ids string
	)
	if err := rows.Scan(&c.RequestID, &c.MemoryID, &ids, &c.ExecutedAt, &c.Hash); err != nil {
		return nil, fmt.Errorf("scanning certificate: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &c.ArtifactIDs); err != nil {
		return nil, fmt.Errorf("decoding certificate artifact ids: %w", err)
	}
	c.ExecutedAt = c.ExecutedAt.UTC()
	return &c, nil
}

// ApplyTombstones hides the memories and flags the nodes in one
// transaction.
func (d *Driver) ApplyTombstones(ctx context.Context, memoryIDs, nodeIDs []string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := d.tombstoneMemories(ctx, tx, memoryIDs); err != nil {
			return err
		}
		if len(nodeIDs) == 0 {
			return nil
		}
		if _, err := exec(ctx, tx, d.builder().Update(tableNodes).
			Set("tombstoned", true).
			Where(entsql.In("id", anys(nodeIDs)...))); err != nil {
			return fmt.Errorf("tombstoning nodes: %w", err)
		}
		return nil
	})
}
