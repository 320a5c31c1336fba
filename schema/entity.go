package schema

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"core.evalgo.org/relstore"
)

// EntityDefinition is the declarative description of one content type:
// its identifier, versioning/recursion/cache policy, and ordered fields.
type EntityDefinition struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Versioned   bool    `yaml:"versioned"`
	Recursive   bool    `yaml:"recursive"`
	Cacheable   bool    `yaml:"cacheable"`
	Fields      []Field `yaml:"fields"`
}

// UnmarshalYAML decodes an entity declaration with cacheable defaulting to
// true when the document omits it, rather than Go's bool zero value.
func (e *EntityDefinition) UnmarshalYAML(value *yaml.Node) error {
	type rawEntity EntityDefinition
	aux := struct {
		Cacheable *bool `yaml:"cacheable"`
		*rawEntity
	}{
		rawEntity: (*rawEntity)(e),
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.Cacheable == nil {
		e.Cacheable = true
	} else {
		e.Cacheable = *aux.Cacheable
	}
	return nil
}

// Table naming, derived per spec §3.2.
func (e EntityDefinition) MainTable() string     { return "content_" + e.ID }
func (e EntityDefinition) RevisionTable() string { return "content_revisions_" + e.ID }
func (e EntityDefinition) AuxTable(field string) string {
	return fmt.Sprintf("field_%s_%s", e.ID, field)
}
func (e EntityDefinition) AuxRevisionTable(field string) string {
	return fmt.Sprintf("field_revisions_%s_%s", e.ID, field)
}

// SingleFields returns the fields with cardinality 1, in declaration order.
func (e EntityDefinition) SingleFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if !f.Multi() {
			out = append(out, f)
		}
	}
	return out
}

// MultiFields returns the fields with cardinality != 1, in declaration order.
func (e EntityDefinition) MultiFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if f.Multi() {
			out = append(out, f)
		}
	}
	return out
}

// FieldByID looks up one declared field by id.
func (e EntityDefinition) FieldByID(id string) (Field, bool) {
	for _, f := range e.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// ValidationError reports a failure validating an EntityDefinition's own
// declaration (well-formed id, nonempty name, at least one field, unique
// field ids) per spec §4.C. Field-level failures are returned as a wrapped
// *DefinitionError instead.
type ValidationError struct {
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity %q: %s", e.Entity, e.Reason)
}

// Validate checks the entity's own declaration, independent of any store.
func (e EntityDefinition) Validate() error {
	if e.ID == "" {
		return &ValidationError{Entity: e.ID, Reason: "id is required"}
	}
	if !identifierPattern.MatchString(e.ID) {
		return &ValidationError{Entity: e.ID, Reason: "id must match [a-z0-9_]+"}
	}
	if e.Name == "" {
		return &ValidationError{Entity: e.ID, Reason: "name is required"}
	}
	if len(e.Fields) == 0 {
		return &ValidationError{Entity: e.ID, Reason: "at least one field is required"}
	}
	seen := make(map[string]bool, len(e.Fields))
	for _, f := range e.Fields {
		if seen[f.ID] {
			return &ValidationError{Entity: e.ID, Reason: fmt.Sprintf("duplicate field id %q", f.ID)}
		}
		seen[f.ID] = true
		if err := f.ValidateDefinition(); err != nil {
			return fmt.Errorf("entity %q: %w", e.ID, err)
		}
	}
	return nil
}

// metadataColumns are the fixed columns every content_<id> row carries in
// addition to one column per single-cardinality field, per spec §3.3.
const metadataColumns = `
	id TEXT PRIMARY KEY,
	uuid TEXT NOT NULL,
	"user" TEXT NOT NULL DEFAULT '0',
	rid INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_cached TIMESTAMP,
	cache_ttl INTEGER NOT NULL DEFAULT 86400,
	content_hash TEXT NOT NULL`

// CreateTables emits and executes the DDL for the main table, every
// auxiliary multi-value table, and (if versioned) the revision tables,
// plus the index set named in spec §4.B. All statements run against one
// pool; callers wanting transactional all-or-nothing creation should wrap
// the call in their own BeginTx/Commit (schema itself stays pool-agnostic).
func (e EntityDefinition) CreateTables(ctx context.Context, pool *relstore.Pool) error {
	for _, stmt := range e.createStatements() {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: create tables for %q: %w", e.ID, err)
		}
	}
	return nil
}

// MainTableSQL returns the CREATE TABLE statement for the main table.
func (e EntityDefinition) MainTableSQL() string {
	var cols strings.Builder
	cols.WriteString(strings.TrimSpace(metadataColumns))
	for _, f := range e.SingleFields() {
		cols.WriteString(",\n\t")
		cols.WriteString(f.SQLColumn())
	}
	for _, f := range e.MultiFields() {
		cols.WriteString(fmt.Sprintf(",\n\tfield_reference_%s TEXT", f.ID))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", e.MainTable(), cols.String())
}

// MainIndexSQL returns the CREATE INDEX statements for the main table: the
// id index plus one per slug-typed single-cardinality field.
func (e EntityDefinition) MainIndexSQL() []string {
	stmts := []string{fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_id ON %s (id)", e.ID, e.MainTable())}
	for _, f := range e.SingleFields() {
		if f.Type == FieldSlug {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", e.ID, f.ID, e.MainTable(), f.ID))
		}
	}
	return stmts
}

// AuxTableSQL returns the CREATE TABLE statement for one multi-value
// field's auxiliary table.
func (e EntityDefinition) AuxTableSQL(fieldID string) string {
	aux := e.AuxTable(fieldID)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	"user" TEXT NOT NULL DEFAULT '0',
	rid INTEGER NOT NULL DEFAULT 1,
	parent_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
	value TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0
)`, aux, e.MainTable())
}

// AuxIndexSQL returns the CREATE INDEX statements for one multi-value
// field's auxiliary table.
func (e EntityDefinition) AuxIndexSQL(fieldID string) []string {
	aux := e.AuxTable(fieldID)
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_field_%s_%s_parent ON %s (parent_id)", e.ID, fieldID, aux),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_field_%s_%s_id ON %s (id)", e.ID, fieldID, aux),
	}
}

// RevisionTableSQL returns the CREATE TABLE statement for the revision
// table. Valid only when the entity is versioned.
func (e EntityDefinition) RevisionTableSQL() string {
	var revCols strings.Builder
	// The composite (id, rid) key below replaces the main table's id key.
	revCols.WriteString(strings.TrimSpace(strings.Replace(relaxNotNull(metadataColumns), "id TEXT PRIMARY KEY", "id TEXT", 1)))
	for _, f := range e.SingleFields() {
		revCols.WriteString(",\n\t")
		revCols.WriteString(relaxNotNull(f.SQLColumn()))
	}
	for _, f := range e.MultiFields() {
		revCols.WriteString(fmt.Sprintf(",\n\tfield_reference_%s TEXT", f.ID))
	}
	revCols.WriteString(",\n\trevision_created_at TIMESTAMP NOT NULL")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s,\n\tPRIMARY KEY (id, rid)\n)", e.RevisionTable(), revCols.String())
}

// RevisionIndexSQL returns the CREATE INDEX statements for the revision table.
func (e EntityDefinition) RevisionIndexSQL() []string {
	return []string{fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_rev_id ON %s (id)", e.ID, e.RevisionTable())}
}

// AuxRevisionTableSQL returns the CREATE TABLE statement for one
// multi-value field's auxiliary revision table.
func (e EntityDefinition) AuxRevisionTableSQL(fieldID string) string {
	auxRev := e.AuxRevisionTable(fieldID)
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT NOT NULL,
	"user" TEXT NOT NULL DEFAULT '0',
	rid INTEGER NOT NULL,
	parent_id TEXT NOT NULL,
	value TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, rid)
)`, auxRev)
}

// AuxRevisionIndexSQL returns the CREATE INDEX statements for one
// multi-value field's auxiliary revision table.
func (e EntityDefinition) AuxRevisionIndexSQL(fieldID string) []string {
	auxRev := e.AuxRevisionTable(fieldID)
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_field_rev_%s_%s_parent ON %s (parent_id)", e.ID, fieldID, auxRev),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_field_rev_%s_%s_id ON %s (id)", e.ID, fieldID, auxRev),
	}
}

// createStatements builds the ordered DDL statement list CreateTables
// executes in one shot (used outside the Action Executor's per-action
// path, e.g. test fixtures and initial bootstrap of an entity with no
// prior version to diff against).
func (e EntityDefinition) createStatements() []string {
	var stmts []string
	stmts = append(stmts, e.MainTableSQL())
	stmts = append(stmts, e.MainIndexSQL()...)

	for _, f := range e.MultiFields() {
		stmts = append(stmts, e.AuxTableSQL(f.ID))
		stmts = append(stmts, e.AuxIndexSQL(f.ID)...)
	}

	if e.Versioned {
		stmts = append(stmts, e.RevisionTableSQL())
		stmts = append(stmts, e.RevisionIndexSQL()...)
		for _, f := range e.MultiFields() {
			stmts = append(stmts, e.AuxRevisionTableSQL(f.ID))
			stmts = append(stmts, e.AuxRevisionIndexSQL(f.ID)...)
		}
	}

	return stmts
}

// relaxNotNull strips "NOT NULL" from a column fragment or block, matching
// the relaxed-constraint rule for revision tables (spec §3.5): historical
// shapes may have omitted a field that later became required.
func relaxNotNull(fragment string) string {
	return strings.ReplaceAll(fragment, " NOT NULL", "")
}

// DropTables drops auxiliary tables (and their revision counterparts)
// before the main table, to respect the CASCADE obligations named in
// spec §4.B. Every statement uses DROP TABLE IF EXISTS.
func (e EntityDefinition) DropTables(ctx context.Context, pool *relstore.Pool) error {
	for _, f := range e.MultiFields() {
		if e.Versioned {
			if _, err := pool.ExecContext(ctx, "DROP TABLE IF EXISTS "+e.AuxRevisionTable(f.ID)); err != nil {
				return fmt.Errorf("schema: drop tables for %q: %w", e.ID, err)
			}
		}
		if _, err := pool.ExecContext(ctx, "DROP TABLE IF EXISTS "+e.AuxTable(f.ID)); err != nil {
			return fmt.Errorf("schema: drop tables for %q: %w", e.ID, err)
		}
	}
	if e.Versioned {
		if _, err := pool.ExecContext(ctx, "DROP TABLE IF EXISTS "+e.RevisionTable()); err != nil {
			return fmt.Errorf("schema: drop tables for %q: %w", e.ID, err)
		}
	}
	if _, err := pool.ExecContext(ctx, "DROP TABLE IF EXISTS "+e.MainTable()); err != nil {
		return fmt.Errorf("schema: drop tables for %q: %w", e.ID, err)
	}
	return nil
}

// TablesExist reports whether the main table for this entity exists.
func (e EntityDefinition) TablesExist(ctx context.Context, pool *relstore.Pool) (bool, error) {
	var query string
	switch pool.Dialect() {
	case relstore.DialectPostgres:
		query = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`
	default:
		query = `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`
	}
	var exists bool
	if err := pool.QueryRowContext(ctx, query, e.MainTable()).Scan(&exists); err != nil {
		return false, fmt.Errorf("schema: tables_exist for %q: %w", e.ID, err)
	}
	return exists, nil
}
