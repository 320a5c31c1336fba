package action

import (
	"fmt"

	"core.evalgo.org/diff"
	"core.evalgo.org/schema"
)

// Role classifies which kind of file produced a Diff, per spec §4.F.
type Role string

const (
	RoleEntitySchema Role = "entity_schema"
	RoleSystemConfig Role = "system_config"
	RoleFieldGroup   Role = "field_group"
)

// ForNewEntity returns the actions that create every table and index for a
// freshly-declared entity: main table, auxiliary multi-value tables, and
// (if versioned) their revision counterparts.
func ForNewEntity(e schema.EntityDefinition) []Action {
	var actions []Action
	actions = append(actions, CreateTable{Entity: e.ID, Table: e.MainTable(), SQL: e.MainTableSQL()})
	for _, f := range e.MultiFields() {
		actions = append(actions, CreateTable{Entity: e.ID, Table: e.AuxTable(f.ID), SQL: e.AuxTableSQL(f.ID)})
		actions = append(actions, auxIndexActions(e, f.ID)...)
	}
	mainIndexSQL := e.MainIndexSQL()
	actions = append(actions, CreateIndex{Name: "idx_" + e.ID + "_id", Table: e.MainTable(), Columns: []string{"id"}, SQL: mainIndexSQL[0]})
	slugIdx := 1
	for _, f := range e.SingleFields() {
		if f.Type == schema.FieldSlug {
			actions = append(actions, CreateIndex{
				Name: "idx_" + e.ID + "_" + f.ID, Table: e.MainTable(), Columns: []string{f.ID}, SQL: mainIndexSQL[slugIdx],
			})
			slugIdx++
		}
	}
	if e.Versioned {
		actions = append(actions, CreateTable{Entity: e.ID, Table: e.RevisionTable(), SQL: e.RevisionTableSQL()})
		actions = append(actions, revisionIndexActions(e)...)
		for _, f := range e.MultiFields() {
			actions = append(actions, CreateTable{Entity: e.ID, Table: e.AuxRevisionTable(f.ID), SQL: e.AuxRevisionTableSQL(f.ID)})
			actions = append(actions, auxRevisionIndexActions(e, f.ID)...)
		}
	}
	return order(actions, true)
}

// auxIndexActions returns the CreateIndex actions for one multi-value
// field's auxiliary table: idx_field_<e>_<f>_parent and
// idx_field_<e>_<f>_id, per spec §4.B.
func auxIndexActions(e schema.EntityDefinition, fieldID string) []Action {
	sql := e.AuxIndexSQL(fieldID)
	aux := e.AuxTable(fieldID)
	name := "idx_field_" + e.ID + "_" + fieldID
	return []Action{
		CreateIndex{Name: name + "_parent", Table: aux, Columns: []string{"parent_id"}, SQL: sql[0]},
		CreateIndex{Name: name + "_id", Table: aux, Columns: []string{"id"}, SQL: sql[1]},
	}
}

// revisionIndexActions returns the CreateIndex actions for a versioned
// entity's revision table: idx_<e>_rev_id.
func revisionIndexActions(e schema.EntityDefinition) []Action {
	sql := e.RevisionIndexSQL()
	return []Action{
		CreateIndex{Name: "idx_" + e.ID + "_rev_id", Table: e.RevisionTable(), Columns: []string{"id"}, SQL: sql[0]},
	}
}

// auxRevisionIndexActions returns the CreateIndex actions for one
// multi-value field's auxiliary revision table: idx_field_rev_<e>_<f>_parent
// and idx_field_rev_<e>_<f>_id, per spec §4.B.
func auxRevisionIndexActions(e schema.EntityDefinition, fieldID string) []Action {
	sql := e.AuxRevisionIndexSQL(fieldID)
	aux := e.AuxRevisionTable(fieldID)
	name := "idx_field_rev_" + e.ID + "_" + fieldID
	return []Action{
		CreateIndex{Name: name + "_parent", Table: aux, Columns: []string{"parent_id"}, SQL: sql[0]},
		CreateIndex{Name: name + "_id", Table: aux, Columns: []string{"id"}, SQL: sql[1]},
	}
}

// ForRemovedEntity returns the actions that drop every table belonging to
// an entity no longer declared, auxiliary tables first per the CASCADE
// obligation in spec §4.B.
func ForRemovedEntity(e schema.EntityDefinition) []Action {
	var actions []Action
	for _, f := range e.MultiFields() {
		if e.Versioned {
			actions = append(actions, DropTable{Entity: e.ID, Table: e.AuxRevisionTable(f.ID)})
		}
		actions = append(actions, DropTable{Entity: e.ID, Table: e.AuxTable(f.ID)})
	}
	if e.Versioned {
		actions = append(actions, DropTable{Entity: e.ID, Table: e.RevisionTable()})
	}
	actions = append(actions, DropTable{Entity: e.ID, Table: e.MainTable()})
	return order(actions, true)
}

// ForModifiedEntity diffs old against new field-by-field and returns the
// incremental actions: AddColumn for newly declared single-value fields,
// CreateTable for newly declared multi-value fields, DropColumn/ModifyColumn
// for removed/changed fields (flagged irreversible; the Action Executor
// gates these on engine capability), plus the matching index actions.
func ForModifiedEntity(old, new schema.EntityDefinition) []Action {
	var actions []Action

	oldByID := make(map[string]schema.Field, len(old.Fields))
	for _, f := range old.Fields {
		oldByID[f.ID] = f
	}
	newByID := make(map[string]schema.Field, len(new.Fields))
	for _, f := range new.Fields {
		newByID[f.ID] = f
	}

	for _, f := range new.Fields {
		oldField, existed := oldByID[f.ID]
		switch {
		case !existed && !f.Multi():
			addSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", new.MainTable(), f.SQLColumn())
			actions = append(actions, AddColumn{Entity: new.ID, Table: new.MainTable(), Column: f.ID, SQL: addSQL})
			if f.Type == schema.FieldSlug {
				idxSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", new.ID, f.ID, new.MainTable(), f.ID)
				actions = append(actions, CreateIndex{Name: "idx_" + new.ID + "_" + f.ID, Table: new.MainTable(), Columns: []string{f.ID}, SQL: idxSQL})
			}
		case !existed && f.Multi():
			actions = append(actions, CreateTable{Entity: new.ID, Table: new.AuxTable(f.ID), SQL: new.AuxTableSQL(f.ID)})
			actions = append(actions, auxIndexActions(new, f.ID)...)
			if new.Versioned {
				actions = append(actions, CreateTable{Entity: new.ID, Table: new.AuxRevisionTable(f.ID), SQL: new.AuxRevisionTableSQL(f.ID)})
				actions = append(actions, auxRevisionIndexActions(new, f.ID)...)
			}
		case existed && !f.Multi() && oldField.Type != f.Type:
			modifySQL := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", new.MainTable(), f.ID, f.Type)
			actions = append(actions, ModifyColumn{
				Entity: new.ID, Table: new.MainTable(), Column: f.ID,
				OldType: string(oldField.Type), NewType: string(f.Type), SQL: modifySQL,
			})
		}
	}

	for _, f := range old.Fields {
		if _, stillPresent := newByID[f.ID]; stillPresent {
			continue
		}
		if f.Multi() {
			actions = append(actions, DropTable{Entity: old.ID, Table: old.AuxTable(f.ID)})
			continue
		}
		if f.Type == schema.FieldSlug {
			actions = append(actions, DropIndex{
				Name: "idx_" + old.ID + "_" + f.ID, Table: old.MainTable(), Columns: []string{f.ID},
			})
		}
		actions = append(actions, DropColumn{Entity: old.ID, Table: old.MainTable(), Column: f.ID})
	}

	return order(actions, len(actions) > 0)
}

// ForConfig returns one UpdateConfig action per change in d, with
// Value=nil for removals, per spec §4.F.
func ForConfig(d *diff.Diff) []Action {
	var actions []Action
	for key, value := range d.Added {
		actions = append(actions, UpdateConfig{Key: key, Value: value})
	}
	for key, mod := range d.Modified {
		actions = append(actions, UpdateConfig{Key: key, Value: mod.New})
	}
	for key := range d.Removed {
		actions = append(actions, UpdateConfig{Key: key, Value: nil})
	}
	return actions
}

// order applies spec §4.F's ordering rule: constructive operations precede
// destructive ones, except that a DropIndex covering a column targeted by a
// same-plan DropColumn or ModifyColumn runs first of all (an index covering
// a column that is about to be dropped or retyped must go before it). When
// appendReload is true and the plan is non-empty, ReloadEntityDefinitions
// is appended as the terminal action.
func order(actions []Action, appendReload bool) []Action {
	var constructive, destructive []Action
	for _, a := range actions {
		switch a.(type) {
		case CreateTable, AddColumn, CreateIndex:
			constructive = append(constructive, a)
		default:
			destructive = append(destructive, a)
		}
	}

	// A DropIndex covering a column targeted by a same-plan
	// DropColumn/ModifyColumn must run before that column operation; every
	// other destructive action follows every constructive one.
	var dependentDrops, otherDestructive []Action
	destructiveColumnTargets := make(map[string]bool)
	for _, a := range destructive {
		switch v := a.(type) {
		case DropColumn:
			destructiveColumnTargets[v.Table+"."+v.Column] = true
		case ModifyColumn:
			destructiveColumnTargets[v.Table+"."+v.Column] = true
		}
	}
	for _, a := range destructive {
		idx, ok := a.(DropIndex)
		dependent := false
		if ok {
			for _, col := range idx.Columns {
				if destructiveColumnTargets[idx.Table+"."+col] {
					dependent = true
					break
				}
			}
		}
		if dependent {
			dependentDrops = append(dependentDrops, a)
		} else {
			otherDestructive = append(otherDestructive, a)
		}
	}

	ordered := make([]Action, 0, len(actions)+1)
	ordered = append(ordered, dependentDrops...)
	ordered = append(ordered, constructive...)
	ordered = append(ordered, otherDestructive...)

	if appendReload && len(ordered) > 0 {
		ordered = append(ordered, ReloadEntityDefinitions{})
	}
	return ordered
}
