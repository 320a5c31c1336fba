// Package action defines the closed Action taxonomy schema changes compile
// down to, and the rules for ordering and reversing them.
package action

import "fmt"

// Action is one step of a plan the Action Executor can apply or roll back.
type Action interface {
	// Kind names the concrete action, for logging and report rows.
	Kind() string
	// Rollback returns the inverse action for this one, and whether the
	// action is reversible at all. Irreversible actions (DropTable,
	// DropColumn, ModifyColumn) return (nil, false).
	Rollback() (Action, bool)
}

// CreateTable creates a new entity's main (or auxiliary) table.
type CreateTable struct {
	Entity string
	Table  string
	SQL    string
}

func (a CreateTable) Kind() string { return "CreateTable" }
func (a CreateTable) Rollback() (Action, bool) {
	return DropTable{Entity: a.Entity, Table: a.Table}, true
}

// DropTable drops a table. Irreversible: dropping loses data.
type DropTable struct {
	Entity string
	Table  string
}

func (a DropTable) Kind() string                { return "DropTable" }
func (a DropTable) Rollback() (Action, bool)     { return nil, false }

// AddColumn adds a column to an existing table.
type AddColumn struct {
	Entity string
	Table  string
	Column string
	SQL    string
}

func (a AddColumn) Kind() string { return "AddColumn" }
func (a AddColumn) Rollback() (Action, bool) {
	return DropColumn{Entity: a.Entity, Table: a.Table, Column: a.Column}, true
}

// DropColumn removes a column. Not supported on SQLite-class stores; see
// the Action Executor's engine-capability gate. Irreversible: data loss.
type DropColumn struct {
	Entity string
	Table  string
	Column string
}

func (a DropColumn) Kind() string            { return "DropColumn" }
func (a DropColumn) Rollback() (Action, bool) { return nil, false }

// ModifyColumn changes a column's declared type. Not supported on
// SQLite-class stores. Irreversible: the prior type is not recoverable
// without a table rebuild.
type ModifyColumn struct {
	Entity  string
	Table   string
	Column  string
	OldType string
	NewType string
	SQL     string
}

func (a ModifyColumn) Kind() string            { return "ModifyColumn" }
func (a ModifyColumn) Rollback() (Action, bool) { return nil, false }

// CreateIndex creates an index.
type CreateIndex struct {
	Name    string
	Table   string
	Columns []string
	SQL     string
}

func (a CreateIndex) Kind() string { return "CreateIndex" }
func (a CreateIndex) Rollback() (Action, bool) {
	return DropIndex{Name: a.Name, Table: a.Table, Columns: a.Columns}, true
}

// DropIndex drops an index. Columns mirrors the CreateIndex that produced
// it, where known, so the Action Generator's ordering pass can detect when
// a column operation depends on this drop running first.
type DropIndex struct {
	Name    string
	Table   string
	Columns []string
}

func (a DropIndex) Kind() string { return "DropIndex" }
func (a DropIndex) Rollback() (Action, bool) {
	return CreateIndex{Name: a.Name, Table: a.Table, Columns: a.Columns}, true
}

// UpdateConfig is a non-DDL side effect updating a configuration key.
// Value is nil for removals.
type UpdateConfig struct {
	Key   string
	Value interface{}
}

func (a UpdateConfig) Kind() string                { return "UpdateConfig" }
func (a UpdateConfig) Rollback() (Action, bool)     { return nil, false }

// InvalidateCache is a non-DDL side effect invalidating cached content for
// one entity.
type InvalidateCache struct {
	Entity string
}

func (a InvalidateCache) Kind() string             { return "InvalidateCache" }
func (a InvalidateCache) Rollback() (Action, bool) { return nil, false }

// ReloadEntityDefinitions is the terminal, non-DDL action ending every
// non-empty entity plan; it asks the Registry to re-publish its snapshot.
type ReloadEntityDefinitions struct{}

func (a ReloadEntityDefinitions) Kind() string             { return "ReloadEntityDefinitions" }
func (a ReloadEntityDefinitions) Rollback() (Action, bool) { return nil, false }

// IsDDL reports whether an action requires a schema-modifying statement,
// as opposed to a non-DDL side effect (UpdateConfig, InvalidateCache,
// ReloadEntityDefinitions).
func IsDDL(a Action) bool {
	switch a.(type) {
	case CreateTable, DropTable, AddColumn, DropColumn, ModifyColumn, CreateIndex, DropIndex:
		return true
	default:
		return false
	}
}

// Describe renders a one-line human description of an action, for logs
// and execution reports.
func Describe(a Action) string {
	switch v := a.(type) {
	case CreateTable:
		return fmt.Sprintf("CreateTable(%s.%s)", v.Entity, v.Table)
	case DropTable:
		return fmt.Sprintf("DropTable(%s.%s)", v.Entity, v.Table)
	case AddColumn:
		return fmt.Sprintf("AddColumn(%s.%s.%s)", v.Entity, v.Table, v.Column)
	case DropColumn:
		return fmt.Sprintf("DropColumn(%s.%s.%s)", v.Entity, v.Table, v.Column)
	case ModifyColumn:
		return fmt.Sprintf("ModifyColumn(%s.%s.%s: %s -> %s)", v.Entity, v.Table, v.Column, v.OldType, v.NewType)
	case CreateIndex:
		return fmt.Sprintf("CreateIndex(%s on %s)", v.Name, v.Table)
	case DropIndex:
		return fmt.Sprintf("DropIndex(%s on %s)", v.Name, v.Table)
	case UpdateConfig:
		return fmt.Sprintf("UpdateConfig(%s=%v)", v.Key, v.Value)
	case InvalidateCache:
		return fmt.Sprintf("InvalidateCache(%s)", v.Entity)
	case ReloadEntityDefinitions:
		return "ReloadEntityDefinitions"
	default:
		return a.Kind()
	}
}
