// Package audit implements the Version Tracker: an append-only log of
// every file-derived schema change, generalized from an append-only
// metrics-run ledger idiom to the versioned-file audit table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"core.evalgo.org/action"
	"core.evalgo.org/relstore"
)

// Status is the file_versions.status column, per §3.6.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApplied     Status = "applied"
	StatusRolledBack  Status = "rolled_back"
)

// Record is one row of file_versions.
type Record struct {
	ID              int64
	FilePath        string
	Version         int
	FileHash        string
	ActionID        string
	AppliedAt       time.Time
	AppliedBy       string
	ActionsExecuted []action.Action
	RollbackActions []action.Action
	Status          Status
}

// Tracker manages the file_versions audit table. Writes are append-only;
// only rollback_to transitions an existing row's status, per §3.9.
type Tracker struct {
	pool *relstore.Pool
}

// New returns a Tracker bound to pool and ensures file_versions exists.
func New(ctx context.Context, pool *relstore.Pool) (*Tracker, error) {
	t := &Tracker{pool: pool}
	if err := t.ensureTable(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) ensureTable(ctx context.Context) error {
	autoIncrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if t.pool.Dialect() == relstore.DialectPostgres {
		autoIncrement = "SERIAL PRIMARY KEY"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS file_versions (
	id %s,
	file_path TEXT NOT NULL,
	version INTEGER NOT NULL,
	file_hash TEXT NOT NULL,
	action_id TEXT NOT NULL UNIQUE,
	applied_at TIMESTAMP NOT NULL,
	applied_by TEXT,
	actions_executed TEXT NOT NULL,
	rollback_actions TEXT NOT NULL,
	status TEXT NOT NULL,
	UNIQUE (file_path, version)
)`, autoIncrement)
	if _, err := t.pool.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("audit: create file_versions: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_file_versions_path ON file_versions (file_path)",
		"CREATE INDEX IF NOT EXISTS idx_file_versions_status ON file_versions (status)",
	}
	for _, idx := range indexes {
		if _, err := t.pool.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("audit: create index: %w", err)
		}
	}
	return nil
}

// Record assigns version = max(version where file_path=...) + 1, serializes
// plan and its rollback derivation, and stores the row with status=applied.
func (t *Tracker) Record(ctx context.Context, filePath, fileHash, actionID string, plan []action.Action, appliedBy string) (*Record, error) {
	current, err := t.Current(ctx, filePath)
	if err != nil {
		return nil, err
	}
	version := 1
	if current != nil {
		version = current.Version + 1
	}

	var rollback []action.Action
	for i := len(plan) - 1; i >= 0; i-- {
		if inverse, reversible := plan[i].Rollback(); reversible {
			rollback = append(rollback, inverse)
		}
	}

	actionsJSON, err := marshalActions(plan)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal actions_executed: %w", err)
	}
	rollbackJSON, err := marshalActions(rollback)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal rollback_actions: %w", err)
	}

	rec := &Record{
		FilePath:        filePath,
		Version:         version,
		FileHash:        fileHash,
		ActionID:        actionID,
		AppliedAt:       time.Now().UTC(),
		AppliedBy:       appliedBy,
		ActionsExecuted: plan,
		RollbackActions: rollback,
		Status:          StatusApplied,
	}

	query := fmt.Sprintf(`INSERT INTO file_versions
		(file_path, version, file_hash, action_id, applied_at, applied_by, actions_executed, rollback_actions, status)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		t.pool.Placeholder(1), t.pool.Placeholder(2), t.pool.Placeholder(3), t.pool.Placeholder(4),
		t.pool.Placeholder(5), t.pool.Placeholder(6), t.pool.Placeholder(7), t.pool.Placeholder(8), t.pool.Placeholder(9))
	_, err = t.pool.ExecContext(ctx, query,
		rec.FilePath, rec.Version, rec.FileHash, rec.ActionID, rec.AppliedAt, rec.AppliedBy,
		string(actionsJSON), string(rollbackJSON), string(rec.Status))
	if err != nil {
		return nil, fmt.Errorf("audit: record %q: %w", filePath, err)
	}
	return rec, nil
}

// Current returns the latest applied version for filePath, or nil if none.
func (t *Tracker) Current(ctx context.Context, filePath string) (*Record, error) {
	query := fmt.Sprintf(`SELECT id, file_path, version, file_hash, action_id, applied_at, applied_by, actions_executed, rollback_actions, status
		FROM file_versions WHERE file_path = %s AND status = %s ORDER BY version DESC LIMIT 1`,
		t.pool.Placeholder(1), t.pool.Placeholder(2))
	row := t.pool.QueryRowContext(ctx, query, filePath, string(StatusApplied))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: current %q: %w", filePath, err)
	}
	return rec, nil
}

// History returns every row for filePath, newest version first. limit<=0
// means unbounded.
func (t *Tracker) History(ctx context.Context, filePath string, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT id, file_path, version, file_hash, action_id, applied_at, applied_by, actions_executed, rollback_actions, status
		FROM file_versions WHERE file_path = %s ORDER BY version DESC`, t.pool.Placeholder(1))
	args := []interface{}{filePath}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", t.pool.Placeholder(2))
		args = append(args, limit)
	}
	rows, err := t.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: history %q: %w", filePath, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan history %q: %w", filePath, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasChanged reports whether filePath has no current applied version, or
// its recorded file_hash differs from hash.
func (t *Tracker) HasChanged(ctx context.Context, filePath, hash string) (bool, error) {
	current, err := t.Current(ctx, filePath)
	if err != nil {
		return false, err
	}
	if current == nil {
		return true, nil
	}
	return current.FileHash != hash, nil
}

// RollbackTo collects the rollback actions for every version of filePath
// strictly greater than targetVersion, newest-first, and marks those
// versions rolled_back in one transaction. The returned actions are
// executable, in order, by the Action Executor.
func (t *Tracker) RollbackTo(ctx context.Context, filePath string, targetVersion int) ([]action.Action, error) {
	tx, err := t.pool.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: rollback_to begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT rollback_actions FROM file_versions
		WHERE file_path = %s AND version > %s AND status = %s ORDER BY version DESC`,
		t.pool.Placeholder(1), t.pool.Placeholder(2), t.pool.Placeholder(3))
	rows, err := tx.QueryContext(ctx, query, filePath, targetVersion, string(StatusApplied))
	if err != nil {
		return nil, fmt.Errorf("audit: rollback_to query: %w", err)
	}
	var collected []action.Action
	var rollbackJSONs []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("audit: rollback_to scan: %w", err)
		}
		rollbackJSONs = append(rollbackJSONs, raw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, raw := range rollbackJSONs {
		acts, err := unmarshalActions([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("audit: rollback_to unmarshal: %w", err)
		}
		collected = append(collected, acts...)
	}

	update := fmt.Sprintf(`UPDATE file_versions SET status = %s
		WHERE file_path = %s AND version > %s AND status = %s`,
		t.pool.Placeholder(1), t.pool.Placeholder(2), t.pool.Placeholder(3), t.pool.Placeholder(4))
	if _, err := tx.ExecContext(ctx, update, string(StatusRolledBack), filePath, targetVersion, string(StatusApplied)); err != nil {
		return nil, fmt.Errorf("audit: rollback_to update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: rollback_to commit: %w", err)
	}
	return collected, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	return scanInto(row)
}

func scanRecordRows(rows rowScanner) (*Record, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*Record, error) {
	var rec Record
	var actionsRaw, rollbackRaw, status string
	var appliedBy *string
	if err := s.Scan(&rec.ID, &rec.FilePath, &rec.Version, &rec.FileHash, &rec.ActionID,
		&rec.AppliedAt, &appliedBy, &actionsRaw, &rollbackRaw, &status); err != nil {
		return nil, err
	}
	if appliedBy != nil {
		rec.AppliedBy = *appliedBy
	}
	rec.Status = Status(status)
	acts, err := unmarshalActions([]byte(actionsRaw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal actions_executed: %w", err)
	}
	rec.ActionsExecuted = acts
	rollback, err := unmarshalActions([]byte(rollbackRaw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal rollback_actions: %w", err)
	}
	rec.RollbackActions = rollback
	return &rec, nil
}

// actionRecord is the JSON envelope one Action serializes to/from, since
// action.Action is a closed interface rather than a concrete type.
type actionRecord struct {
	Kind    string      `json:"kind"`
	Entity  string      `json:"entity,omitempty"`
	Table   string      `json:"table,omitempty"`
	Column  string      `json:"column,omitempty"`
	Name    string      `json:"name,omitempty"`
	Columns []string    `json:"columns,omitempty"`
	SQL     string      `json:"sql,omitempty"`
	OldType string      `json:"old_type,omitempty"`
	NewType string      `json:"new_type,omitempty"`
	Key     string      `json:"key,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

func toRecord(a action.Action) actionRecord {
	switch v := a.(type) {
	case action.CreateTable:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity, Table: v.Table, SQL: v.SQL}
	case action.DropTable:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity, Table: v.Table}
	case action.AddColumn:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity, Table: v.Table, Column: v.Column, SQL: v.SQL}
	case action.DropColumn:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity, Table: v.Table, Column: v.Column}
	case action.ModifyColumn:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity, Table: v.Table, Column: v.Column, OldType: v.OldType, NewType: v.NewType, SQL: v.SQL}
	case action.CreateIndex:
		return actionRecord{Kind: a.Kind(), Name: v.Name, Table: v.Table, Columns: v.Columns, SQL: v.SQL}
	case action.DropIndex:
		return actionRecord{Kind: a.Kind(), Name: v.Name, Table: v.Table, Columns: v.Columns}
	case action.UpdateConfig:
		return actionRecord{Kind: a.Kind(), Key: v.Key, Value: v.Value}
	case action.InvalidateCache:
		return actionRecord{Kind: a.Kind(), Entity: v.Entity}
	case action.ReloadEntityDefinitions:
		return actionRecord{Kind: a.Kind()}
	default:
		return actionRecord{Kind: a.Kind()}
	}
}

func fromRecord(r actionRecord) (action.Action, error) {
	switch r.Kind {
	case "CreateTable":
		return action.CreateTable{Entity: r.Entity, Table: r.Table, SQL: r.SQL}, nil
	case "DropTable":
		return action.DropTable{Entity: r.Entity, Table: r.Table}, nil
	case "AddColumn":
		return action.AddColumn{Entity: r.Entity, Table: r.Table, Column: r.Column, SQL: r.SQL}, nil
	case "DropColumn":
		return action.DropColumn{Entity: r.Entity, Table: r.Table, Column: r.Column}, nil
	case "ModifyColumn":
		return action.ModifyColumn{Entity: r.Entity, Table: r.Table, Column: r.Column, OldType: r.OldType, NewType: r.NewType, SQL: r.SQL}, nil
	case "CreateIndex":
		return action.CreateIndex{Name: r.Name, Table: r.Table, Columns: r.Columns, SQL: r.SQL}, nil
	case "DropIndex":
		return action.DropIndex{Name: r.Name, Table: r.Table, Columns: r.Columns}, nil
	case "UpdateConfig":
		return action.UpdateConfig{Key: r.Key, Value: r.Value}, nil
	case "InvalidateCache":
		return action.InvalidateCache{Entity: r.Entity}, nil
	case "ReloadEntityDefinitions":
		return action.ReloadEntityDefinitions{}, nil
	default:
		return nil, fmt.Errorf("audit: unknown action kind %q", r.Kind)
	}
}

func marshalActions(actions []action.Action) ([]byte, error) {
	records := make([]actionRecord, len(actions))
	for i, a := range actions {
		records[i] = toRecord(a)
	}
	return json.Marshal(records)
}

func unmarshalActions(raw []byte) ([]action.Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []actionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	actions := make([]action.Action, len(records))
	for i, r := range records {
		a, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		actions[i] = a
	}
	return actions, nil
}
