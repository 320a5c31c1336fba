package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_SQLColumn(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		want  string
	}{
		{"text", Field{ID: "title", Type: FieldText}, "title TEXT"},
		{"required text", Field{ID: "title", Type: FieldText, Required: true}, "title TEXT NOT NULL"},
		{"slug unique", Field{ID: "slug", Type: FieldSlug}, "slug TEXT UNIQUE"},
		{"integer", Field{ID: "count", Type: FieldInteger}, "count INTEGER"},
		{"float", Field{ID: "price", Type: FieldFloat}, "price REAL"},
		{"boolean", Field{ID: "active", Type: FieldBoolean}, "active INTEGER"},
		{"datetime", Field{ID: "published_at", Type: FieldDatetime}, "published_at TIMESTAMP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.field.SQLColumn())
		})
	}
}

func TestField_ValidateDefinition(t *testing.T) {
	require.NoError(t, Field{ID: "title", Type: FieldText, Label: "Title"}.ValidateDefinition())

	err := Field{ID: "Title", Type: FieldText, Label: "Title"}.ValidateDefinition()
	require.Error(t, err)

	err = Field{ID: "ref", Type: FieldEntityReference, Label: "Ref"}.ValidateDefinition()
	require.Error(t, err)

	err = Field{ID: "group", Type: FieldComponent, Label: "Group"}.ValidateDefinition()
	require.Error(t, err)

	require.NoError(t, Field{
		ID: "group", Type: FieldComponent, Label: "Group",
		Nested: []Field{{ID: "inner", Type: FieldText, Label: "Inner"}},
	}.ValidateDefinition())
}

func TestField_Validate_Cardinality(t *testing.T) {
	single := Field{ID: "title", Type: FieldText, Cardinality: 1}
	assert.Error(t, single.Validate([]interface{}{"a", "b"}, nil))
	assert.NoError(t, single.Validate("a", nil))

	bounded := Field{ID: "tags", Type: FieldText, Cardinality: 3}
	assert.NoError(t, bounded.Validate([]interface{}{"a", "b", "c"}, nil))
	assert.Error(t, bounded.Validate([]interface{}{"a", "b", "c", "d"}, nil))
	assert.NoError(t, bounded.Validate("solo", nil), "bare scalar coerces to length-1 array")

	unbounded := Field{ID: "tags", Type: FieldText, Cardinality: -1}
	many := make([]interface{}, 50)
	for i := range many {
		many[i] = "x"
	}
	assert.NoError(t, unbounded.Validate(many, nil))
}

func TestField_Validate_RequiredNull(t *testing.T) {
	required := Field{ID: "title", Type: FieldText, Required: true, Cardinality: 1}
	err := required.Validate(nil, nil)
	require.Error(t, err)
	var missing *RequiredMissingError
	assert.ErrorAs(t, err, &missing)

	optional := Field{ID: "subtitle", Type: FieldText, Cardinality: 1}
	assert.NoError(t, optional.Validate(nil, nil))
}

func TestField_Validate_Slug(t *testing.T) {
	f := Field{ID: "slug", Type: FieldSlug, Cardinality: 1}
	assert.NoError(t, f.Validate("hello-world_1", nil))
	assert.Error(t, f.Validate("Hello World!", nil))
}

func TestField_Validate_Integer(t *testing.T) {
	f := Field{ID: "count", Type: FieldInteger, Cardinality: 1}
	assert.NoError(t, f.Validate(42, nil))
	assert.NoError(t, f.Validate("42", nil), "string forms parse")
	assert.Error(t, f.Validate("abc", nil))
}

func TestField_Validate_Boolean(t *testing.T) {
	f := Field{ID: "active", Type: FieldBoolean, Cardinality: 1}
	assert.NoError(t, f.Validate(true, nil))
	assert.NoError(t, f.Validate(0, nil), "0/1 coerce")
	assert.NoError(t, f.Validate(1, nil))
	assert.Error(t, f.Validate(2, nil))
}

func TestField_Validate_Datetime(t *testing.T) {
	f := Field{ID: "published_at", Type: FieldDatetime, Cardinality: 1}
	assert.NoError(t, f.Validate("2026-01-01T00:00:00Z", nil))
	assert.Error(t, f.Validate("2026-01-01", nil), "requires full RFC-3339")
}

func TestField_Validate_EntityReference(t *testing.T) {
	f := Field{ID: "author", Type: FieldEntityReference, TargetEntity: "person", Cardinality: 1}
	assert.NoError(t, f.Validate("01AUTHORID", func(entity, id string) bool {
		return entity == "person" && id == "01AUTHORID"
	}))
	assert.Error(t, f.Validate("missing", func(string, string) bool { return false }))
	assert.Error(t, f.Validate(42, nil), "must be a string id")
}

func TestField_Validate_Component(t *testing.T) {
	f := Field{
		ID: "address", Type: FieldComponent, Cardinality: 1,
		Nested: []Field{
			{ID: "city", Type: FieldText, Required: true, Cardinality: 1},
		},
	}
	assert.NoError(t, f.Validate(map[string]interface{}{"city": "Berlin"}, nil))
	assert.Error(t, f.Validate(map[string]interface{}{}, nil), "nested required field missing")
	assert.Error(t, f.Validate("not an object", nil))
}
