package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snippetSchemaYAML = `
id: snippet
name: Snippet
versioned: true
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

func TestLoader_Load_ParsesValidSchemaFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snippet.schema.yaml"), []byte(snippetSchemaYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	l := NewLoader()
	entities, err := l.Load(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "snippet", entities[0].ID)
	assert.True(t, entities[0].Versioned)
	assert.True(t, entities[0].Cacheable, "cacheable must default to true when the document omits it")
}

func TestLoader_Load_RespectsExplicitCacheableFalse(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: secret
name: Secret
cacheable: false
fields:
  - id: title
    type: text
    label: Title
    cardinality: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.schema.yaml"), []byte(doc), 0o644))

	l := NewLoader()
	entities, err := l.Load(dir)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.False(t, entities[0].Cacheable)
}

func TestLoader_Load_SkipsMalformedFileWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.schema.yaml"), []byte(snippetSchemaYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.schema.yaml"), []byte("id: [this is not, valid: yaml"), 0o644))

	l := NewLoader()
	entities, err := l.Load(dir)
	require.NoError(t, err, "a malformed file must not abort the whole load")
	require.Len(t, entities, 1)
	assert.Equal(t, "snippet", entities[0].ID)
}

func TestLoader_Load_SkipsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	invalid := `
id: "Bad ID"
name: Bad
fields:
  - id: title
    type: text
    label: Title
    cardinality: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.schema.yaml"), []byte(invalid), 0o644))

	l := NewLoader()
	entities, err := l.Load(dir)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestLoader_Previous_TracksParsedYAMLByCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snippet.schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(snippetSchemaYAML), 0o644))

	l := NewLoader()
	_, err := l.Load(dir)
	require.NoError(t, err)

	canonical, err := filepath.Abs(path)
	require.NoError(t, err)
	node, ok := l.Previous(canonical)
	require.True(t, ok)
	require.NotNil(t, node)
}

func TestIsSchemaFile(t *testing.T) {
	assert.True(t, isSchemaFile("snippet.schema.yaml"))
	assert.True(t, isSchemaFile("snippet.schema.yml"))
	assert.False(t, isSchemaFile("snippet.yaml"))
	assert.False(t, isSchemaFile("config.system.yaml"))
}
