package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.evalgo.org/diff"
	"core.evalgo.org/schema"
)

func snippetEntity() schema.EntityDefinition {
	return schema.EntityDefinition{
		ID:   "snippet",
		Name: "Snippet",
		Fields: []schema.Field{
			{ID: "title", Type: schema.FieldText, Label: "Title", Required: true, Cardinality: 1},
			{ID: "slug", Type: schema.FieldSlug, Label: "Slug", Cardinality: 1},
			{ID: "tags", Type: schema.FieldText, Label: "Tags", Cardinality: -1},
		},
	}
}

func TestForNewEntity_EndsWithReload(t *testing.T) {
	actions := ForNewEntity(snippetEntity())
	require.NotEmpty(t, actions)
	assert.Equal(t, "ReloadEntityDefinitions", actions[len(actions)-1].Kind())

	var sawCreateTable, sawCreateIndex bool
	for _, a := range actions {
		switch a.Kind() {
		case "CreateTable":
			sawCreateTable = true
		case "CreateIndex":
			sawCreateIndex = true
		}
	}
	assert.True(t, sawCreateTable)
	assert.True(t, sawCreateIndex)
}

func TestForRemovedEntity_AuxBeforeMain(t *testing.T) {
	actions := ForRemovedEntity(snippetEntity())
	require.NotEmpty(t, actions)

	var mainIdx, auxIdx = -1, -1
	for i, a := range actions {
		if dt, ok := a.(DropTable); ok {
			if dt.Table == "content_snippet" {
				mainIdx = i
			}
			if dt.Table == "field_snippet_tags" {
				auxIdx = i
			}
		}
	}
	require.NotEqual(t, -1, mainIdx)
	require.NotEqual(t, -1, auxIdx)
	assert.Less(t, auxIdx, mainIdx, "auxiliary table must drop before the main table")
}

func TestForModifiedEntity_AddedFieldYieldsAddColumn(t *testing.T) {
	old := snippetEntity()
	new := snippetEntity()
	new.Fields = append(new.Fields, schema.Field{ID: "body", Type: schema.FieldLongText, Label: "Body", Cardinality: 1})

	actions := ForModifiedEntity(old, new)
	var found bool
	for _, a := range actions {
		if ac, ok := a.(AddColumn); ok && ac.Column == "body" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, "ReloadEntityDefinitions", actions[len(actions)-1].Kind())
}

func TestForModifiedEntity_RemovedFieldYieldsDropColumn(t *testing.T) {
	old := snippetEntity()
	new := snippetEntity()
	new.Fields = new.Fields[:1] // drop slug and tags

	actions := ForModifiedEntity(old, new)
	var sawDropColumn, sawDropTable bool
	for _, a := range actions {
		switch v := a.(type) {
		case DropColumn:
			if v.Column == "slug" {
				sawDropColumn = true
			}
		case DropTable:
			if v.Table == "field_snippet_tags" {
				sawDropTable = true
			}
		}
	}
	assert.True(t, sawDropColumn)
	assert.True(t, sawDropTable)
}

func TestForModifiedEntity_AddedMultiFieldYieldsAuxTableAndIndexes(t *testing.T) {
	old := schema.EntityDefinition{
		ID:   "snippet",
		Name: "Snippet",
		Fields: []schema.Field{
			{ID: "title", Type: schema.FieldText, Label: "Title", Required: true, Cardinality: 1},
		},
	}
	new := old
	new.Fields = append(append([]schema.Field{}, old.Fields...), schema.Field{ID: "tags", Type: schema.FieldText, Label: "Tags", Cardinality: -1})

	actions := ForModifiedEntity(old, new)
	require.Len(t, actions, 4)
	assert.Equal(t, CreateTable{Entity: "snippet", Table: "field_snippet_tags", SQL: new.AuxTableSQL("tags")}, actions[0])
	assert.Equal(t, "CreateIndex", actions[1].Kind())
	assert.Equal(t, "CreateIndex", actions[2].Kind())
	assert.Equal(t, "ReloadEntityDefinitions", actions[3].Kind())

	names := []string{actions[1].(CreateIndex).Name, actions[2].(CreateIndex).Name}
	assert.Contains(t, names, "idx_field_snippet_tags_parent")
	assert.Contains(t, names, "idx_field_snippet_tags_id")
}

func TestForNewEntity_MultiFieldEmitsAuxIndexes(t *testing.T) {
	actions := ForNewEntity(snippetEntity())

	var names []string
	for _, a := range actions {
		if ci, ok := a.(CreateIndex); ok {
			names = append(names, ci.Name)
		}
	}
	assert.Contains(t, names, "idx_field_snippet_tags_parent")
	assert.Contains(t, names, "idx_field_snippet_tags_id")
}

func TestForNewEntity_VersionedEmitsRevisionIndexes(t *testing.T) {
	e := snippetEntity()
	e.Versioned = true
	actions := ForNewEntity(e)

	var names []string
	for _, a := range actions {
		if ci, ok := a.(CreateIndex); ok {
			names = append(names, ci.Name)
		}
	}
	assert.Contains(t, names, "idx_snippet_rev_id")
	assert.Contains(t, names, "idx_field_rev_snippet_tags_parent")
	assert.Contains(t, names, "idx_field_rev_snippet_tags_id")
}

func TestForModifiedEntity_NoChangesYieldsEmptyPlan(t *testing.T) {
	e := snippetEntity()
	actions := ForModifiedEntity(e, e)
	assert.Empty(t, actions, "an unchanged entity must not emit a trailing Reload")
}

func TestForConfig_RemovalsHaveNilValue(t *testing.T) {
	d := &diff.Diff{
		Added:    map[string]interface{}{"a": 1},
		Removed:  map[string]interface{}{"b": "x"},
		Modified: map[string]diff.Modification{"c": {Old: 1, New: 2}},
	}
	actions := ForConfig(d)
	require.Len(t, actions, 3)

	byKey := make(map[string]UpdateConfig)
	for _, a := range actions {
		uc := a.(UpdateConfig)
		byKey[uc.Key] = uc
	}
	assert.Equal(t, 1, byKey["a"].Value)
	assert.Nil(t, byKey["b"].Value)
	assert.Equal(t, 2, byKey["c"].Value)
}

func TestOrder_ConstructiveBeforeDestructive(t *testing.T) {
	actions := []Action{
		DropTable{Table: "old"},
		CreateTable{Table: "new"},
	}
	ordered := order(actions, false)
	require.Len(t, ordered, 2)
	assert.Equal(t, "CreateTable", ordered[0].Kind())
	assert.Equal(t, "DropTable", ordered[1].Kind())
}

func TestOrder_DependentIndexDropPrecedesColumnOp(t *testing.T) {
	actions := []Action{
		DropColumn{Table: "content_snippet", Column: "slug"},
		DropIndex{Name: "idx_snippet_slug", Table: "content_snippet", Columns: []string{"slug"}},
	}
	ordered := order(actions, false)
	require.Len(t, ordered, 2)
	assert.Equal(t, "DropIndex", ordered[0].Kind(), "dependency must be dropped before the column operation depending on it")
}
