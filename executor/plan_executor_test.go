package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.evalgo.org/action"
	"core.evalgo.org/relstore"
	"core.evalgo.org/schema"
)

func openTestPool(t *testing.T) *relstore.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := relstore.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func snippetEntity() schema.EntityDefinition {
	return schema.EntityDefinition{
		ID:   "snippet",
		Name: "Snippet",
		Fields: []schema.Field{
			{ID: "title", Type: schema.FieldText, Label: "Title", Required: true, Cardinality: 1},
			{ID: "slug", Type: schema.FieldSlug, Label: "Slug", Cardinality: 1},
		},
	}
}

func TestExecute_NewEntityPlanCommits(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	e := snippetEntity()

	var reloaded bool
	ex := New(pool, Hooks{OnReload: func() { reloaded = true }})

	plan := action.ForNewEntity(e)
	report, err := ex.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Status)
	assert.Equal(t, len(plan), report.Successful)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, reloaded)

	exists, err := e.TablesExist(ctx, pool)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExecute_EmptyPlanCommitsTrivially(t *testing.T) {
	pool := openTestPool(t)
	ex := New(pool, Hooks{})
	report, err := ex.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Status)
	assert.Equal(t, 0, report.Total)
}

func TestExecute_FailureRollsBackEarlierActions(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	e := snippetEntity()

	// Pre-create the main table so the plan's first action, a CreateIndex,
	// succeeds, then let the second action (a CreateTable with invalid SQL)
	// fail, to prove the whole transaction (not just the failing statement)
	// rolls back.
	require.NoError(t, e.CreateTables(ctx, pool))

	ex := New(pool, Hooks{})
	plan := []action.Action{
		action.CreateIndex{Name: "idx_extra", Table: e.MainTable(), Columns: []string{"id"}, SQL: "CREATE INDEX idx_extra ON " + e.MainTable() + " (id)"},
		action.CreateTable{Entity: e.ID, Table: e.MainTable(), SQL: e.MainTableSQL() + " BOGUS SYNTAX"},
	}
	report, err := ex.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, report.Status)
	assert.True(t, report.RolledBack)
	assert.Equal(t, 1, report.Failed)

	var count int
	err = pool.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_extra'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "compensating DropIndex must undo the earlier CreateIndex")
}

func TestExecute_DropColumnUnsupportedOnSQLite(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	e := snippetEntity()
	require.NoError(t, e.CreateTables(ctx, pool))

	ex := New(pool, Hooks{})
	plan := []action.Action{
		action.DropColumn{Entity: e.ID, Table: e.MainTable(), Column: "slug"},
	}
	report, err := ex.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, report.Status)
	assert.Contains(t, report.PerActionResult[0].Error, "not supported")
}

func TestValidate_DryRunDetectsMissingTable(t *testing.T) {
	pool := openTestPool(t)
	ex := New(pool, Hooks{})

	plan := []action.Action{
		action.DropTable{Entity: "snippet", Table: "content_snippet"},
	}
	report, err := ex.Validate(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, StatusFailedNoncompensable, report.Status)
}

func TestValidate_DryRunPassesForExistingTable(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	e := snippetEntity()
	require.NoError(t, e.CreateTables(ctx, pool))

	ex := New(pool, Hooks{})
	plan := []action.Action{
		action.AddColumn{Entity: e.ID, Table: e.MainTable(), Column: "body", SQL: "ALTER TABLE " + e.MainTable() + " ADD COLUMN body TEXT"},
	}
	report, err := ex.Validate(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, StatusCommitted, report.Status)
}

func TestExecute_NonDDLHooksFire(t *testing.T) {
	pool := openTestPool(t)
	var gotKey string
	var gotEntity string
	ex := New(pool, Hooks{
		OnUpdateConfig:    func(key string, value interface{}) { gotKey = key },
		OnInvalidateCache: func(entity string) { gotEntity = entity },
	})

	plan := []action.Action{
		action.UpdateConfig{Key: "site.title", Value: "Example"},
		action.InvalidateCache{Entity: "snippet"},
	}
	report, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, report.Status)
	assert.Equal(t, "site.title", gotKey)
	assert.Equal(t, "snippet", gotEntity)
}
