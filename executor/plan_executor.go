// Package executor implements the Action Executor: transactional
// application of an ordered Action plan against a relstore.Pool, adapted
// from a Result/Registry shape generalized from a single action result to
// a per-plan per-action-result report.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"core.evalgo.org/action"
	"core.evalgo.org/common"
	"core.evalgo.org/relstore"
)

// Status is the plan-level state machine named in spec §4.H:
// new -> running -> {committed | rolled_back | failed-noncompensable}.
type Status string

const (
	StatusNew                  Status = "new"
	StatusRunning              Status = "running"
	StatusCommitted            Status = "committed"
	StatusRolledBack           Status = "rolled_back"
	StatusFailedNoncompensable Status = "failed-noncompensable"
)

// ActionResult is one row of an ExecutionReport.
type ActionResult struct {
	Action     string
	Success    bool
	Error      string
	RolledBack bool
}

// ExecutionReport summarizes the outcome of one Execute call.
type ExecutionReport struct {
	Total           int
	Successful      int
	Failed          int
	RolledBack      bool
	ElapsedMS       int64
	PerActionResult []ActionResult
	Status          Status
}

// ErrUnsupportedColumnOperation is returned when a DropColumn or
// ModifyColumn action targets a pool whose engine has no native
// ALTER COLUMN / DROP COLUMN support (spec §4.H).
var ErrUnsupportedColumnOperation = fmt.Errorf("executor: column operation not supported on this engine; rebuild the table instead")

// Hooks lets callers observe non-DDL side effects as they apply, without
// the executor importing schema/config/jsoncache directly (avoiding an
// import cycle with schema, which the Action Generator already depends on).
type Hooks struct {
	OnUpdateConfig    func(key string, value interface{})
	OnInvalidateCache func(entity string)
	OnReload          func()
}

// Executor applies Action plans against one relstore.Pool.
type Executor struct {
	Pool  *relstore.Pool
	Hooks Hooks
}

// New returns an Executor bound to pool, with optional hooks.
func New(pool *relstore.Pool, hooks Hooks) *Executor {
	return &Executor{Pool: pool, Hooks: hooks}
}

// Execute applies plan live: every action runs inside one transaction,
// committed on full success; any failure rolls the transaction back and
// attempts an inverse-order compensating plan built from each applied
// action's Rollback(). The dry-run counterpart is Validate, which opens no
// transaction and only checks each action's existence preconditions.
func (ex *Executor) Execute(ctx context.Context, plan []action.Action) (*ExecutionReport, error) {
	if len(plan) == 0 {
		return &ExecutionReport{Status: StatusCommitted}, nil
	}
	start := time.Now()
	report := &ExecutionReport{Total: len(plan), Status: StatusRunning}

	tx, err := ex.Pool.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: begin transaction: %w", err)
	}

	var applied []action.Action
	for _, act := range plan {
		actErr := ex.apply(ctx, tx, act)
		result := ActionResult{Action: action.Describe(act), Success: actErr == nil}
		if actErr != nil {
			result.Error = actErr.Error()
		}
		report.PerActionResult = append(report.PerActionResult, result)

		if actErr != nil {
			report.Failed++
			ex.failAndCompensate(ctx, tx, applied, report)
			report.ElapsedMS = time.Since(start).Milliseconds()
			return report, nil
		}
		report.Successful++
		applied = append(applied, act)
	}

	if err := tx.Commit(); err != nil {
		report.Status = StatusFailedNoncompensable
		report.ElapsedMS = time.Since(start).Milliseconds()
		return report, fmt.Errorf("executor: commit: %w", err)
	}
	report.Status = StatusCommitted
	report.ElapsedMS = time.Since(start).Milliseconds()
	return report, nil
}

// Validate runs plan in dry-run mode: no transaction, every action is
// checked against its existence precondition only.
func (ex *Executor) Validate(ctx context.Context, plan []action.Action) (*ExecutionReport, error) {
	report := &ExecutionReport{Total: len(plan)}
	for _, act := range plan {
		err := ex.validatePrecondition(ctx, act)
		result := ActionResult{Action: action.Describe(act), Success: err == nil}
		if err != nil {
			result.Error = err.Error()
			report.Failed++
		} else {
			report.Successful++
		}
		report.PerActionResult = append(report.PerActionResult, result)
	}
	if report.Failed == 0 {
		report.Status = StatusCommitted
	} else {
		report.Status = StatusFailedNoncompensable
	}
	return report, nil
}

// failAndCompensate rolls back the open transaction and attempts a
// best-effort inverse-order compensating plan against a fresh transaction
// for every action already applied. If compensation itself fails, the
// report still reports rolled_back=true (the primary transaction's own
// rollback always succeeds, barring a connection failure) but callers must
// check PerActionResult for compensable residue (spec §4.H: "operator
// intervention is required").
func (ex *Executor) failAndCompensate(ctx context.Context, tx *sql.Tx, applied []action.Action, report *ExecutionReport) {
	if err := tx.Rollback(); err != nil {
		common.Logger.WithError(err).Error("executor: primary transaction rollback failed")
	}
	report.RolledBack = true
	report.Status = StatusRolledBack

	for i := len(applied) - 1; i >= 0; i-- {
		inverse, reversible := applied[i].Rollback()
		if !reversible {
			report.Status = StatusFailedNoncompensable
			common.Logger.WithField("action", action.Describe(applied[i])).
				Warn("executor: irreversible action cannot be compensated, residue requires operator intervention")
			continue
		}
		if compErr := ex.applyStandalone(ctx, inverse); compErr != nil {
			report.Status = StatusFailedNoncompensable
			common.Logger.WithError(compErr).WithField("action", action.Describe(inverse)).
				Error("executor: compensation action failed")
		}
	}
}

// applyStandalone runs one compensating action in its own transaction,
// used only during failAndCompensate once the primary transaction has
// already been rolled back.
func (ex *Executor) applyStandalone(ctx context.Context, act action.Action) error {
	tx, err := ex.Pool.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := ex.apply(ctx, tx, act); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// apply executes one action's per-action semantics (spec §4.H) within tx.
func (ex *Executor) apply(ctx context.Context, tx *sql.Tx, act action.Action) error {
	switch v := act.(type) {
	case action.CreateTable:
		_, err := tx.ExecContext(ctx, v.SQL)
		return err
	case action.DropTable:
		_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+v.Table)
		return err
	case action.AddColumn:
		_, err := tx.ExecContext(ctx, v.SQL)
		return err
	case action.DropColumn:
		if !ex.Pool.SupportsDropColumn() {
			return ErrUnsupportedColumnOperation
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", v.Table, v.Column))
		return err
	case action.ModifyColumn:
		if !ex.Pool.SupportsModifyColumn() {
			return ErrUnsupportedColumnOperation
		}
		_, err := tx.ExecContext(ctx, v.SQL)
		return err
	case action.CreateIndex:
		_, err := tx.ExecContext(ctx, v.SQL)
		return err
	case action.DropIndex:
		_, err := tx.ExecContext(ctx, "DROP INDEX IF EXISTS "+v.Name)
		return err
	case action.UpdateConfig:
		if ex.Hooks.OnUpdateConfig != nil {
			ex.Hooks.OnUpdateConfig(v.Key, v.Value)
		}
		return nil
	case action.InvalidateCache:
		if ex.Hooks.OnInvalidateCache != nil {
			ex.Hooks.OnInvalidateCache(v.Entity)
		}
		return nil
	case action.ReloadEntityDefinitions:
		if ex.Hooks.OnReload != nil {
			ex.Hooks.OnReload()
		}
		return nil
	default:
		return fmt.Errorf("executor: unknown action kind %q", act.Kind())
	}
}

// validatePrecondition checks the dry-run existence precondition for one
// action, without executing its side effect.
func (ex *Executor) validatePrecondition(ctx context.Context, act action.Action) error {
	switch v := act.(type) {
	case action.CreateTable:
		exists, err := ex.tableExists(ctx, v.Table)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("executor: table %q already exists", v.Table)
		}
	case action.DropTable:
		exists, err := ex.tableExists(ctx, v.Table)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("executor: table %q does not exist", v.Table)
		}
	case action.AddColumn:
		exists, err := ex.columnExists(ctx, v.Table, v.Column)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("executor: column %q already exists on %q", v.Column, v.Table)
		}
	case action.DropColumn:
		if !ex.Pool.SupportsDropColumn() {
			return ErrUnsupportedColumnOperation
		}
		exists, err := ex.columnExists(ctx, v.Table, v.Column)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("executor: column %q does not exist on %q", v.Column, v.Table)
		}
	case action.ModifyColumn:
		if !ex.Pool.SupportsModifyColumn() {
			return ErrUnsupportedColumnOperation
		}
	}
	return nil
}

func (ex *Executor) tableExists(ctx context.Context, table string) (bool, error) {
	var query string
	switch ex.Pool.Dialect() {
	case relstore.DialectPostgres:
		query = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`
	default:
		query = `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`
	}
	var exists bool
	err := ex.Pool.QueryRowContext(ctx, query, table).Scan(&exists)
	return exists, err
}

func (ex *Executor) columnExists(ctx context.Context, table, column string) (bool, error) {
	if ex.Pool.Dialect() == relstore.DialectPostgres {
		var exists bool
		err := ex.Pool.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2)`,
			table, column).Scan(&exists)
		return exists, err
	}

	rows, err := ex.Pool.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
