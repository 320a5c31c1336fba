package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"core.evalgo.org/schema"
)

// getMulti reads one multi-value field's auxiliary rows for parentID, in
// sort_order, as a []interface{} ready to sit in Instance.Fields.
func (s *Store) getMulti(ctx context.Context, q queryer, fieldID, parentID string) ([]interface{}, error) {
	table := s.Entity.AuxTable(fieldID)
	query := fmt.Sprintf("SELECT value FROM %s WHERE parent_id = %s ORDER BY sort_order", table, s.Pool.Placeholder(1))
	rows, err := q.QueryContext(ctx, query, parentID)
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

// replaceMulti replaces the full ordered value set for one multi-value
// field's auxiliary table, per spec §4.J set_multi: delete then reinsert
// with sort_order = index. Cardinality is checked by the Field's own
// Validate before this is called; replaceMulti trusts its caller.
func (s *Store) replaceMulti(ctx context.Context, tx *sql.Tx, fieldID, parentID string, values interface{}) error {
	table := s.Entity.AuxTable(fieldID)

	del := fmt.Sprintf("DELETE FROM %s WHERE parent_id = %s", table, s.Pool.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, parentID); err != nil {
		return fmt.Errorf("entitystore: replace multi %q: %w", fieldID, err)
	}

	items, err := toValueSlice(values)
	if err != nil {
		return err
	}

	for i, v := range items {
		id, err := newULID()
		if err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s (id, parent_id, value, sort_order) VALUES (%s, %s, %s, %s)",
			table, s.Pool.Placeholder(1), s.Pool.Placeholder(2), s.Pool.Placeholder(3), s.Pool.Placeholder(4))
		if _, err := tx.ExecContext(ctx, insert, id, parentID, v, i); err != nil {
			return fmt.Errorf("entitystore: replace multi %q: %w", fieldID, err)
		}
	}
	return nil
}

// toValueSlice normalizes the bare-scalar-or-slice input set_multi accepts
// (same coercion rule as schema.Field.Validate) into a concrete slice of
// scalar values ready for per-row insertion.
func toValueSlice(values interface{}) ([]interface{}, error) {
	switch v := values.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	default:
		return []interface{}{v}, nil
	}
}

// SetMulti replaces the value set for one multi-value field on an existing
// instance, outside of Update's merge path. On versioned entities, the
// previous set is snapshotted into the field's revision table first, tagged
// with the instance's current rid, matching the main-row snapshot rule.
func (s *Store) SetMulti(ctx context.Context, parentID, fieldID string, values interface{}) error {
	f, ok := s.Entity.FieldByID(fieldID)
	if !ok {
		return &ValidationFailedError{Entity: s.Entity.ID, Err: fmt.Errorf("field %q is not declared", fieldID)}
	}
	if err := f.Validate(values, s.Exists); err != nil {
		var cardErr *schema.CardinalityExceededError
		if errors.As(err, &cardErr) {
			return &CardinalityExceededError{Entity: s.Entity.ID, Field: cardErr.Field, Max: cardErr.Max, Got: cardErr.Got}
		}
		return &ValidationFailedError{Entity: s.Entity.ID, Err: err}
	}

	return s.withRetry(func() error {
		tx, err := s.Pool.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := s.scanMainRow(ctx, txQueryer{tx}, parentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return &NotFoundError{Entity: s.Entity.ID, ID: parentID}
			}
			return err
		}

		if s.Entity.Versioned {
			oldValues, err := s.getMulti(ctx, txQueryer{tx}, fieldID, parentID)
			if err != nil {
				return err
			}
			if err := s.snapshotMultiRevision(ctx, tx, fieldID, parentID, current.RID, oldValues); err != nil {
				return err
			}
		}

		if err := s.replaceMulti(ctx, tx, fieldID, parentID, values); err != nil {
			return err
		}
		return tx.Commit()
	})
}
