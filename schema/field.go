// Package schema implements the Field and Entity models: the declarative
// building blocks Entity Definitions are made of, and the SQL DDL they
// generate. Nothing here talks to a database directly; schema only ever
// produces SQL strings and validates in-memory values, leaving execution to
// the relstore.Pool a caller supplies.
package schema

import (
	"fmt"
	"regexp"
	"time"
)

// FieldType is the closed semantic type set a Field can declare.
type FieldType string

const (
	FieldText             FieldType = "text"
	FieldLongText         FieldType = "long_text"
	FieldRichText         FieldType = "rich_text"
	FieldInteger          FieldType = "integer"
	FieldFloat            FieldType = "float"
	FieldBoolean          FieldType = "boolean"
	FieldDatetime         FieldType = "datetime"
	FieldSlug             FieldType = "slug"
	FieldEntityReference  FieldType = "entity_reference"
	FieldComponent        FieldType = "component"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9_]+$`)
var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Field is one declared attribute of an Entity Definition.
type Field struct {
	ID          string    `yaml:"id"`
	Type        FieldType `yaml:"type"`
	Label       string    `yaml:"label"`
	Required    bool      `yaml:"required"`
	Description string    `yaml:"description,omitempty"`
	// Cardinality: 1 = single value, N>1 = up to N, -1 = unbounded.
	Cardinality int `yaml:"cardinality"`
	// TargetEntity is required iff Type == FieldEntityReference.
	TargetEntity string `yaml:"target_entity,omitempty"`
	// Nested is required iff Type == FieldComponent.
	Nested []Field `yaml:"fields,omitempty"`
}

// Multi reports whether the field can carry more than one value.
func (f Field) Multi() bool {
	return f.Cardinality != 1
}

// DefinitionError is returned when a Field's own declaration is invalid,
// independent of any value validation.
type DefinitionError struct {
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// ValidateDefinition checks the structural invariants of a Field
// declaration: identifier shape, entity_reference/component requirements,
// and (recursively) every nested field of a component.
func (f Field) ValidateDefinition() error {
	if !identifierPattern.MatchString(f.ID) {
		return &DefinitionError{Field: f.ID, Reason: "identifier must match [a-z0-9_]+"}
	}
	if f.Label == "" {
		return &DefinitionError{Field: f.ID, Reason: "label is required"}
	}
	switch f.Type {
	case FieldText, FieldLongText, FieldRichText, FieldInteger, FieldFloat,
		FieldBoolean, FieldDatetime, FieldSlug:
		// no extra requirements
	case FieldEntityReference:
		if f.TargetEntity == "" {
			return &DefinitionError{Field: f.ID, Reason: "entity_reference requires target_entity"}
		}
	case FieldComponent:
		if len(f.Nested) == 0 {
			return &DefinitionError{Field: f.ID, Reason: "component requires at least one nested field"}
		}
		for _, nested := range f.Nested {
			if err := nested.ValidateDefinition(); err != nil {
				return err
			}
		}
	default:
		return &DefinitionError{Field: f.ID, Reason: fmt.Sprintf("unknown type %q", f.Type)}
	}
	return nil
}

// sqlType maps a FieldType to its SQL column type per spec §4.A.
func (t FieldType) sqlType() string {
	switch t {
	case FieldInteger, FieldBoolean:
		return "INTEGER"
	case FieldFloat:
		return "REAL"
	case FieldDatetime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// SQLColumn returns the column fragment for a single-cardinality field:
// "<id> <sql_type>[ NOT NULL][ UNIQUE]". Callers must not call this for
// multi-cardinality fields; those emit a field_reference_* indirection
// column instead (see Entity.CreateTables).
func (f Field) SQLColumn() string {
	col := fmt.Sprintf("%s %s", f.ID, f.Type.sqlType())
	if f.Required {
		col += " NOT NULL"
	}
	if f.Type == FieldSlug {
		col += " UNIQUE"
	}
	return col
}

// Validation error kinds raised by Validate.
type (
	// TypeMismatchError reports a value that does not parse as the
	// field's declared type.
	TypeMismatchError struct {
		Field string
		Value interface{}
	}
	// RequiredMissingError reports a required field with no value.
	RequiredMissingError struct {
		Field string
	}
	// CardinalityExceededError reports more values than the field allows.
	CardinalityExceededError struct {
		Field string
		Max   int
		Got   int
	}
	// ConstraintViolationError reports a value failing a field-specific
	// constraint (slug shape, RFC-3339 parse, missing target entity id).
	ConstraintViolationError struct {
		Field  string
		Reason string
	}
)

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q: value %v does not match type", e.Field, e.Value)
}
func (e *RequiredMissingError) Error() string {
	return fmt.Sprintf("field %q: required value missing", e.Field)
}
func (e *CardinalityExceededError) Error() string {
	return fmt.Sprintf("field %q: cardinality exceeded (max %d, got %d)", e.Field, e.Max, e.Got)
}
func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// EntityExists is consulted by Validate to check entity_reference values.
// Storage layers supply a closure; schema never talks to a store directly.
type EntityExists func(entityID, instanceID string) bool

// Validate checks one field value against its declaration. For
// multi-cardinality fields, value may be a bare scalar (coerced to a
// length-1 slice) or a []interface{}; for cardinality 1 only a scalar is
// accepted. exists is optional; pass nil to skip entity_reference existence
// checks (e.g. during dry validation before storage is available).
func (f Field) Validate(value interface{}, exists EntityExists) error {
	if value == nil {
		if f.Required {
			return &RequiredMissingError{Field: f.ID}
		}
		return nil
	}

	if f.Multi() {
		values, err := asSlice(value)
		if err != nil {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
		if f.Cardinality > 1 && len(values) > f.Cardinality {
			return &CardinalityExceededError{Field: f.ID, Max: f.Cardinality, Got: len(values)}
		}
		for _, v := range values {
			if err := f.validateScalar(v, exists); err != nil {
				return err
			}
		}
		return nil
	}

	if _, isSlice := value.([]interface{}); isSlice {
		return &CardinalityExceededError{Field: f.ID, Max: 1, Got: len(value.([]interface{}))}
	}
	return f.validateScalar(value, exists)
}

func asSlice(value interface{}) ([]interface{}, error) {
	if slice, ok := value.([]interface{}); ok {
		return slice, nil
	}
	return []interface{}{value}, nil
}

func (f Field) validateScalar(value interface{}, exists EntityExists) error {
	switch f.Type {
	case FieldText, FieldLongText, FieldRichText:
		if _, ok := value.(string); !ok {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
	case FieldSlug:
		s, ok := value.(string)
		if !ok {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
		if !slugPattern.MatchString(s) {
			return &ConstraintViolationError{Field: f.ID, Reason: "slug must match [a-z0-9_-]+"}
		}
	case FieldInteger:
		if !isIntegral(value) {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
	case FieldFloat:
		if !isNumeric(value) {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
	case FieldBoolean:
		if !isBoolish(value) {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
	case FieldDatetime:
		s, ok := value.(string)
		if !ok {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return &ConstraintViolationError{Field: f.ID, Reason: "datetime must be RFC-3339"}
		}
	case FieldEntityReference:
		s, ok := value.(string)
		if !ok || s == "" {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
		if f.TargetEntity == "" {
			return &ConstraintViolationError{Field: f.ID, Reason: "no configured target entity"}
		}
		if exists != nil && !exists(f.TargetEntity, s) {
			return &ConstraintViolationError{Field: f.ID, Reason: fmt.Sprintf("referenced %s %q does not exist", f.TargetEntity, s)}
		}
	case FieldComponent:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return &TypeMismatchError{Field: f.ID, Value: value}
		}
		for _, nested := range f.Nested {
			if err := nested.Validate(obj[nested.ID], exists); err != nil {
				return err
			}
		}
	}
	return nil
}

func isIntegral(value interface{}) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	case string:
		for i, r := range v {
			if r == '-' && i == 0 {
				continue
			}
			if r < '0' || r > '9' {
				return false
			}
		}
		return v != "" && v != "-"
	default:
		return false
	}
}

func isNumeric(value interface{}) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func isBoolish(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return true
	case int:
		return v == 0 || v == 1
	case float64:
		return v == 0 || v == 1
	case string:
		return v == "0" || v == "1" || v == "true" || v == "false"
	default:
		return false
	}
}
