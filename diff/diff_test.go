package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_DetectsAddedRemovedModified(t *testing.T) {
	old := map[string]interface{}{
		"id":   "snippet",
		"name": "Snippet",
		"fields": map[string]interface{}{
			"title": map[string]interface{}{"type": "text", "required": true},
		},
	}
	next := map[string]interface{}{
		"id":   "snippet",
		"name": "Snippet V2",
		"fields": map[string]interface{}{
			"title": map[string]interface{}{"type": "text", "required": true},
			"body":  map[string]interface{}{"type": "long_text"},
		},
	}

	d := Compare(old, next)
	assert.Contains(t, d.Added, "fields.body")
	assert.Equal(t, map[string]interface{}{"type": "long_text"}, d.Added["fields.body"])
	_, modified := d.Modified["name"]
	assert.True(t, modified)
	assert.Equal(t, "Snippet", d.Modified["name"].Old)
	assert.Equal(t, "Snippet V2", d.Modified["name"].New)
}

func TestCompare_Removal(t *testing.T) {
	old := map[string]interface{}{"fields": map[string]interface{}{"title": "x", "body": "y"}}
	next := map[string]interface{}{"fields": map[string]interface{}{"title": "x"}}

	d := Compare(old, next)
	assert.Contains(t, d.Removed, "fields.body")
}

func TestCompare_SequencesCompareByIndex(t *testing.T) {
	old := map[string]interface{}{"tags": []interface{}{"a", "b"}}
	next := map[string]interface{}{"tags": []interface{}{"a", "c", "d"}}

	d := Compare(old, next)
	assert.Contains(t, d.Modified, "tags[1]")
	assert.Contains(t, d.Added, "tags[2]")
}

func TestCompare_TypedScalarEquality(t *testing.T) {
	old := map[string]interface{}{"count": 1}
	next := map[string]interface{}{"count": true}

	d := Compare(old, next)
	_, modified := d.Modified["count"]
	assert.True(t, modified, "bool 1 must not equal int 1")
}

func TestClassify_Additions(t *testing.T) {
	d := newDiff()
	d.Added["fields.optional_field.description"] = "a new description"
	d.Added["fields.locked"] = map[string]interface{}{"required": true}

	c := Classify(d)
	require.Equal(t, Safe, c.Severities["fields.optional_field.description"])
	require.Equal(t, Warning, c.Severities["fields.locked"])
}

func TestClassify_RemovalsAreBreaking(t *testing.T) {
	d := newDiff()
	d.Removed["fields.title"] = "text"
	d.Removed["id"] = "snippet"

	c := Classify(d)
	assert.Equal(t, Breaking, c.Severities["fields.title"])
	assert.Equal(t, Breaking, c.Severities["id"])
}

func TestClassify_Modifications(t *testing.T) {
	d := newDiff()
	d.Modified["fields.title.type"] = Modification{Old: "text", New: "integer"}
	d.Modified["fields.title.cardinality"] = Modification{Old: 1, New: 2}
	d.Modified["fields.title.required"] = Modification{Old: false, New: true}
	d.Modified["fields.title.label"] = Modification{Old: "Title", New: "Headline"}

	c := Classify(d)
	assert.Equal(t, Breaking, c.Severities["fields.title.type"])
	assert.Equal(t, Breaking, c.Severities["fields.title.cardinality"])
	assert.Equal(t, Breaking, c.Severities["fields.title.required"])
	assert.Equal(t, Safe, c.Severities["fields.title.label"])
}

func TestSummarize_CountsAndEnumeratesBreaking(t *testing.T) {
	c := &Classification{Severities: map[string]Severity{
		"a": Safe,
		"b": Warning,
		"c": Breaking,
		"d": Breaking,
	}}
	s := Summarize(c)
	assert.Equal(t, 1, s.Counts[Safe])
	assert.Equal(t, 1, s.Counts[Warning])
	assert.Equal(t, 2, s.Counts[Breaking])
	assert.ElementsMatch(t, []string{"c", "d"}, s.Breaking)
}
