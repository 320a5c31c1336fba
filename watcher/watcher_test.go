package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"core.evalgo.org/config"
	"core.evalgo.org/relstore"
)

func openTestPool(t *testing.T) *relstore.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := relstore.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

const snippetV1 = `
id: snippet
name: Snippet
fields:
  - id: title
    type: text
    label: Title
    required: true
    cardinality: 1
`

const snippetV2WithTags = `
id: snippet
name: Snippet
fields:
  - id: title
    type: text
    label: Title
    required: true
    cardinality: 1
  - id: tags
    type: text
    label: Tags
    cardinality: -1
`

func waitForTableExists(t *testing.T, pool *relstore.Pool, table string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var name string
		err := pool.QueryRowContext(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == nil && name == table {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("table %q never appeared", table)
}

func TestBootstrap_CreatesTablesForExistingSchemaFiles(t *testing.T) {
	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "snippet.schema.yaml"), []byte(snippetV1), 0o644))

	pool := openTestPool(t)
	o, err := New(context.Background(), Config{SchemaDir: schemaDir, Pool: pool})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	var name string
	err = pool.QueryRowContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", "content_snippet").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "content_snippet", name)
}

func TestHotAddField_CreatesAuxTableAndReloadsRegistry(t *testing.T) {
	schemaDir := t.TempDir()
	schemaPath := filepath.Join(schemaDir, "snippet.schema.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte(snippetV1), 0o644))

	pool := openTestPool(t)
	o, err := New(context.Background(), Config{SchemaDir: schemaDir, Pool: pool})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)

	require.NoError(t, os.WriteFile(schemaPath, []byte(snippetV2WithTags), 0o644))

	waitForTableExists(t, pool, "field_snippet_tags")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, e := range o.Entities() {
			if e.ID == "snippet" {
				for _, f := range e.Fields {
					if f.ID == "tags" {
						found = true
					}
				}
			}
		}
		if found {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("in-memory entity registry never picked up the new field")
}

func TestClassify_RecognizesSchemaConfigAndOther(t *testing.T) {
	assert.Equal(t, KindSchema, classify("/a/snippet.schema.yaml"))
	assert.Equal(t, KindConfig, classify("/a/config.cache.yaml"))
	assert.Equal(t, KindOther, classify("/a/readme.md"))
}

func TestEntityIDFromSchemaFile(t *testing.T) {
	assert.Equal(t, "snippet", entityIDFromSchemaFile("snippet.schema.yaml"))
	assert.Equal(t, "article", entityIDFromSchemaFile("article.schema.yml"))
}

func TestDispatchKey_SchemaPerEntityConfigShared(t *testing.T) {
	assert.Equal(t, "schema:snippet", dispatchKey("/dir/snippet.schema.yaml"))
	assert.Equal(t, "schema:article", dispatchKey("/dir/article.schema.yaml"))
	assert.Equal(t, "config", dispatchKey("/dir/config.cache.yaml"))
}

func TestConfigUpdate_AppliesThroughRegistry(t *testing.T) {
	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "config.cache.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
id: cache
name: Cache
values:
  ttl: 3600
`), 0o644))

	schemaDir := t.TempDir()
	pool := openTestPool(t)
	reg := config.NewRegistry()
	o, err := New(context.Background(), Config{SchemaDir: schemaDir, ConfigDir: configDir, Pool: pool, Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)

	require.NoError(t, os.WriteFile(configPath, []byte(`
id: cache
name: Cache
values:
  ttl: 7200
`), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := reg.IntValue("cache.ttl"); ok && v == 7200 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("config ttl update never observed through the registry")
}
