package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RevisionSummary is one row of ListRevisions: enough to pick a target rid
// for GetRevision without fetching the full snapshot.
type RevisionSummary struct {
	RID               int
	RevisionCreatedAt time.Time
}

// snapshotRevision copies current's main-row shape into content_revisions_
// <id>, tagged with its own rid and revision_created_at=now, per spec §4.J.
// Required NOT NULL constraints are already relaxed on the revision table
// (schema.EntityDefinition.RevisionTableSQL), so a nil field value here
// never fails the insert even when the live column is NOT NULL.
func (s *Store) snapshotRevision(ctx context.Context, tx *sql.Tx, current *Instance) error {
	if !s.Entity.Versioned {
		return &InvariantViolationError{Entity: s.Entity.ID, Reason: "snapshotRevision called on an unversioned entity"}
	}

	cols := []string{"id", "uuid", `"user"`, "rid", "created_at", "updated_at", "cache_ttl", "content_hash", "revision_created_at"}
	args := []interface{}{current.ID, current.UUID, current.User, current.RID, current.CreatedAt, current.UpdatedAt, current.CacheTTL, current.ContentHash, time.Now().UTC()}
	for _, f := range s.Entity.SingleFields() {
		cols = append(cols, f.ID)
		args = append(args, current.Fields[f.ID])
	}
	for _, f := range s.Entity.MultiFields() {
		cols = append(cols, "field_reference_"+f.ID)
		args = append(args, s.Entity.AuxTable(f.ID))
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = s.Pool.Placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.Entity.RevisionTable(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// snapshotMultiRevision copies oldValues into field_revisions_<entity>_
// <field>, tagged with rid, matching the same revision number as the
// triggering main-row snapshot (spec §4.J).
func (s *Store) snapshotMultiRevision(ctx context.Context, tx *sql.Tx, fieldID, parentID string, rid int, oldValues interface{}) error {
	items, err := toValueSlice(oldValues)
	if err != nil {
		return err
	}
	table := s.Entity.AuxRevisionTable(fieldID)
	for i, v := range items {
		id, err := newULID()
		if err != nil {
			return err
		}
		query := fmt.Sprintf("INSERT INTO %s (id, rid, parent_id, value, sort_order) VALUES (%s, %s, %s, %s, %s)",
			table, s.Pool.Placeholder(1), s.Pool.Placeholder(2), s.Pool.Placeholder(3), s.Pool.Placeholder(4), s.Pool.Placeholder(5))
		if _, err := tx.ExecContext(ctx, query, id, rid, parentID, v, i); err != nil {
			return fmt.Errorf("entitystore: snapshot multi revision %q: %w", fieldID, err)
		}
	}
	return nil
}

// GetRevision fetches one past revision of id by rid. Only valid for
// versioned entities.
func (s *Store) GetRevision(ctx context.Context, id string, rid int) (*Instance, bool, error) {
	if !s.Entity.Versioned {
		return nil, false, &InvariantViolationError{Entity: s.Entity.ID, Reason: "get_revision called on an unversioned entity"}
	}

	cols := []string{"id", "uuid", `"user"`, "rid", "created_at", "updated_at", "last_cached", "cache_ttl", "content_hash"}
	for _, f := range s.Entity.SingleFields() {
		cols = append(cols, f.ID)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s AND rid = %s",
		strings.Join(cols, ", "), s.Entity.RevisionTable(), s.Pool.Placeholder(1), s.Pool.Placeholder(2))
	row := s.Pool.QueryRowContext(ctx, query, id, rid)
	inst, err := scanInstanceRow(row, s.Entity, cols)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, &BackendError{Entity: s.Entity.ID, Err: err}
	}

	for _, f := range s.Entity.MultiFields() {
		values, err := s.getMultiRevision(ctx, f.ID, id, rid)
		if err != nil {
			return nil, false, &BackendError{Entity: s.Entity.ID, Err: err}
		}
		inst.Fields[f.ID] = values
	}
	return inst, true, nil
}

func (s *Store) getMultiRevision(ctx context.Context, fieldID, parentID string, rid int) ([]interface{}, error) {
	table := s.Entity.AuxRevisionTable(fieldID)
	query := fmt.Sprintf("SELECT value FROM %s WHERE parent_id = %s AND rid = %s ORDER BY sort_order",
		table, s.Pool.Placeholder(1), s.Pool.Placeholder(2))
	rows, err := s.Pool.QueryContext(ctx, query, parentID, rid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []interface{}
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			values = append(values, v.String)
		} else {
			values = append(values, nil)
		}
	}
	return values, rows.Err()
}

// ListRevisions returns every past rid for id, descending.
func (s *Store) ListRevisions(ctx context.Context, id string) ([]RevisionSummary, error) {
	if !s.Entity.Versioned {
		return nil, &InvariantViolationError{Entity: s.Entity.ID, Reason: "list_revisions called on an unversioned entity"}
	}

	query := fmt.Sprintf("SELECT rid, revision_created_at FROM %s WHERE id = %s ORDER BY rid DESC",
		s.Entity.RevisionTable(), s.Pool.Placeholder(1))
	rows, err := s.Pool.QueryContext(ctx, query, id)
	if err != nil {
		return nil, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	defer rows.Close()

	var out []RevisionSummary
	for rows.Next() {
		var summary RevisionSummary
		if err := rows.Scan(&summary.RID, &summary.RevisionCreatedAt); err != nil {
			return nil, &BackendError{Entity: s.Entity.ID, Err: err}
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
