package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateTable_RollbackIsDropTable(t *testing.T) {
	a := CreateTable{Entity: "snippet", Table: "content_snippet", SQL: "CREATE TABLE..."}
	inverse, reversible := a.Rollback()
	assert.True(t, reversible)
	assert.Equal(t, DropTable{Entity: "snippet", Table: "content_snippet"}, inverse)
}

func TestDropTable_Irreversible(t *testing.T) {
	a := DropTable{Entity: "snippet", Table: "content_snippet"}
	_, reversible := a.Rollback()
	assert.False(t, reversible)
}

func TestAddColumn_RollbackIsDropColumn(t *testing.T) {
	a := AddColumn{Entity: "snippet", Table: "content_snippet", Column: "body"}
	inverse, reversible := a.Rollback()
	assert.True(t, reversible)
	assert.Equal(t, DropColumn{Entity: "snippet", Table: "content_snippet", Column: "body"}, inverse)
}

func TestDropColumnAndModifyColumn_Irreversible(t *testing.T) {
	_, reversible := DropColumn{}.Rollback()
	assert.False(t, reversible)
	_, reversible = ModifyColumn{}.Rollback()
	assert.False(t, reversible)
}

func TestCreateIndex_RollbackIsDropIndex(t *testing.T) {
	a := CreateIndex{Name: "idx_snippet_slug", Table: "content_snippet"}
	inverse, reversible := a.Rollback()
	assert.True(t, reversible)
	assert.Equal(t, DropIndex{Name: "idx_snippet_slug", Table: "content_snippet"}, inverse)
}

func TestIsDDL(t *testing.T) {
	assert.True(t, IsDDL(CreateTable{}))
	assert.True(t, IsDDL(DropColumn{}))
	assert.False(t, IsDDL(UpdateConfig{}))
	assert.False(t, IsDDL(InvalidateCache{}))
	assert.False(t, IsDDL(ReloadEntityDefinitions{}))
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe(CreateTable{Entity: "snippet", Table: "content_snippet"}), "content_snippet")
	assert.Equal(t, "ReloadEntityDefinitions", Describe(ReloadEntityDefinitions{}))
}
