package entitystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func snippetEntity(versioned bool) *schema.EntityDefinition {
	return &schema.EntityDefinition{
		ID:        "snippet",
		Name:      "Snippet",
		Versioned: versioned,
		Fields: []schema.Field{
			{ID: "title", Type: schema.FieldText, Label: "Title", Required: true, Cardinality: 1},
			{ID: "body", Type: schema.FieldLongText, Label: "Body", Cardinality: 1},
			{ID: "tags", Type: schema.FieldText, Label: "Tags", Cardinality: -1},
		},
	}
}

func newTestStore(t *testing.T, versioned bool) (*Store, *schema.EntityDefinition) {
	t.Helper()
	pool := openTestPool(t)
	e := snippetEntity(versioned)
	require.NoError(t, e.CreateTables(context.Background(), pool))
	return New(e, pool, nil), e
}

func TestCreate_GeneratesIDAndContentHash(t *testing.T) {
	store, _ := newTestStore(t, false)
	inst, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"body":  "World",
	}, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.NotEmpty(t, inst.UUID)
	assert.Equal(t, 1, inst.RID)
	assert.NotEmpty(t, inst.ContentHash)
}

func TestCreate_RejectsUndeclaredField(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, err := store.Create(context.Background(), map[string]interface{}{
		"title":   "Hello",
		"unknown": "nope",
	}, "alice")
	var valErr *ValidationFailedError
	assert.ErrorAs(t, err, &valErr)
}

func TestCreate_RejectsMissingRequiredField(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, err := store.Create(context.Background(), map[string]interface{}{
		"body": "no title",
	}, "alice")
	var valErr *ValidationFailedError
	require.ErrorAs(t, err, &valErr)
	var requiredErr *schema.RequiredMissingError
	assert.ErrorAs(t, valErr.Err, &requiredErr)
}

func TestCreate_RejectsMissingRequiredMultiField(t *testing.T) {
	e := &schema.EntityDefinition{
		ID:   "snippet",
		Name: "Snippet",
		Fields: []schema.Field{
			{ID: "tags", Type: schema.FieldText, Label: "Tags", Required: true, Cardinality: -1},
		},
	}
	pool := openTestPool(t)
	require.NoError(t, e.CreateTables(context.Background(), pool))
	store := New(e, pool, nil)

	_, err := store.Create(context.Background(), map[string]interface{}{}, "alice")
	var valErr *ValidationFailedError
	require.ErrorAs(t, err, &valErr)
	var requiredErr *schema.RequiredMissingError
	assert.ErrorAs(t, valErr.Err, &requiredErr)
}

func TestUpdate_PartialUpdateDoesNotRequireAllFields(t *testing.T) {
	store, _ := newTestStore(t, false)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"body":  "World",
	}, "alice")
	require.NoError(t, err)

	_, err = store.Update(context.Background(), created.ID, map[string]interface{}{
		"body": "updated body",
	}, "alice")
	assert.NoError(t, err, "update must not require the (unchanged) required title field to be resent")
}

func TestGet_RoundTripsSingleAndMultiFields(t *testing.T) {
	store, _ := newTestStore(t, false)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"body":  "World",
		"tags":  []interface{}{"a", "b", "c"},
	}, "alice")
	require.NoError(t, err)

	got, found, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Hello", got.Fields["title"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, got.Fields["tags"])
	assert.Equal(t, created.ContentHash, got.ContentHash)
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, found, err := store.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdate_IncrementsRIDAndRetainsMissingFields(t *testing.T) {
	store, _ := newTestStore(t, false)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"body":  "World",
	}, "alice")
	require.NoError(t, err)

	updated, err := store.Update(context.Background(), created.ID, map[string]interface{}{
		"title": "Hello, updated",
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.RID)
	assert.Equal(t, "Hello, updated", updated.Fields["title"])
	assert.Equal(t, "World", updated.Fields["body"], "body was not supplied in the update and must retain its value")
	assert.True(t, !updated.UpdatedAt.Before(updated.CreatedAt))
}

func TestUpdate_NotFound(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, err := store.Update(context.Background(), "missing", map[string]interface{}{"title": "x"}, "alice")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpdate_VersionedSnapshotsRevision(t *testing.T) {
	store, _ := newTestStore(t, true)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "v1",
		"body":  "first",
	}, "alice")
	require.NoError(t, err)

	_, err = store.Update(context.Background(), created.ID, map[string]interface{}{
		"title": "v2",
	}, "alice")
	require.NoError(t, err)

	revisions, err := store.ListRevisions(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	assert.Equal(t, 1, revisions[0].RID)

	rev, found, err := store.GetRevision(context.Background(), created.ID, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", rev.Fields["title"])

	current, found, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, current.RID)
	assert.Equal(t, "v2", current.Fields["title"])
}

func TestDelete_CascadesAuxRows(t *testing.T) {
	store, e := newTestStore(t, false)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"tags":  []interface{}{"a", "b"},
	}, "alice")
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), created.ID))

	_, found, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, found)

	var count int
	err = store.Pool.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+e.AuxTable("tags")+" WHERE parent_id = ?", created.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "cascade delete must remove auxiliary rows")
}

func TestDelete_NotFound(t *testing.T) {
	store, _ := newTestStore(t, false)
	err := store.Delete(context.Background(), "missing")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestList_OrderedByCreatedAtDescending(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, err := store.Create(context.Background(), map[string]interface{}{"title": "first"}, "alice")
	require.NoError(t, err)
	_, err = store.Create(context.Background(), map[string]interface{}{"title": "second"}, "alice")
	require.NoError(t, err)

	list, err := store.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Fields["title"])
}

func TestCount_ReflectsTotalNotPageSize(t *testing.T) {
	store, _ := newTestStore(t, false)
	_, err := store.Create(context.Background(), map[string]interface{}{"title": "first"}, "alice")
	require.NoError(t, err)
	_, err = store.Create(context.Background(), map[string]interface{}{"title": "second"}, "alice")
	require.NoError(t, err)
	_, err = store.Create(context.Background(), map[string]interface{}{"title": "third"}, "alice")
	require.NoError(t, err)

	page, err := store.List(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)

	total, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestSetMulti_ReplacesValueSet(t *testing.T) {
	store, e := newTestStore(t, false)
	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"tags":  []interface{}{"a", "b"},
	}, "alice")
	require.NoError(t, err)

	require.NoError(t, store.SetMulti(context.Background(), created.ID, "tags", []interface{}{"x", "y", "z"}))

	var count int
	err = store.Pool.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+e.AuxTable("tags")+" WHERE parent_id = ?", created.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSetMulti_RejectsCardinalityExceeded(t *testing.T) {
	e := &schema.EntityDefinition{
		ID:   "snippet",
		Name: "Snippet",
		Fields: []schema.Field{
			{ID: "title", Type: schema.FieldText, Label: "Title", Cardinality: 1},
			{ID: "tags", Type: schema.FieldText, Label: "Tags", Cardinality: 2},
		},
	}
	pool := openTestPool(t)
	require.NoError(t, e.CreateTables(context.Background(), pool))
	store := New(e, pool, nil)

	created, err := store.Create(context.Background(), map[string]interface{}{
		"title": "Hello",
		"tags":  []interface{}{"a", "b"},
	}, "alice")
	require.NoError(t, err)

	err = store.SetMulti(context.Background(), created.ID, "tags", []interface{}{"x", "y", "z"})
	var cardErr *CardinalityExceededError
	require.ErrorAs(t, err, &cardErr)
	assert.Equal(t, 2, cardErr.Max)
	assert.Equal(t, 3, cardErr.Got)
}

func TestGenerateIDFromTitle(t *testing.T) {
	cases := map[string]string{
		"Hello World":      "hello-world",
		"  Already--Slug ": "already-slug",
		"Title 123!!":      "title-123",
		"ALLCAPS":          "allcaps",
	}
	for in, want := range cases {
		assert.Equal(t, want, GenerateIDFromTitle(in))
	}
	// Idempotence: applying it to its own output is a no-op.
	assert.Equal(t, GenerateIDFromTitle("Hello World"), GenerateIDFromTitle(GenerateIDFromTitle("Hello World")))
}
