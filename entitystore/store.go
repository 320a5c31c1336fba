// Package entitystore implements the Generic Entity Storage Layer (spec
// §4.J): CRUD and revisioning over the dynamic per-entity tables schema
// materializes, one Store bound to exactly one entity id and one borrowed
// relstore.Pool, never owning it (spec §3.9).
package entitystore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"

	"core.evalgo.org/common"
	"core.evalgo.org/hash"
	"core.evalgo.org/relstore"
	"core.evalgo.org/schema"
)

// defaultCacheTTLSeconds is the TTL a freshly created instance of a
// cacheable entity is stamped with; jsoncache treats ttl_seconds<=0 as
// "never cache" (Metadata.live), which is how a non-cacheable entity
// (EntityDefinition.Cacheable == false) opts out.
const defaultCacheTTLSeconds = 86400

// NotFoundError reports that no instance exists for the requested id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entitystore: %s %q not found", e.Entity, e.ID)
}

// ValidationFailedError wraps a field-validation error raised by schema.
type ValidationFailedError struct {
	Entity string
	Err    error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("entitystore: %s: validation failed: %v", e.Entity, e.Err)
}
func (e *ValidationFailedError) Unwrap() error { return e.Err }

// CardinalityExceededError reports a multi-value field given more values
// than its declared cardinality allows.
type CardinalityExceededError struct {
	Entity string
	Field  string
	Max    int
	Got    int
}

func (e *CardinalityExceededError) Error() string {
	return fmt.Sprintf("entitystore: %s.%s: cardinality exceeded (max %d, got %d)", e.Entity, e.Field, e.Max, e.Got)
}

// InvariantViolationError reports a broken storage-layer invariant, e.g. a
// get_revision/list_revisions call against an unversioned entity.
type InvariantViolationError struct {
	Entity string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("entitystore: %s: %s", e.Entity, e.Reason)
}

// BackendError wraps an underlying driver/transport failure, never leaking
// the raw driver error string past the storage boundary (spec §7).
type BackendError struct {
	Entity string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("entitystore: %s: backend error", e.Entity)
}
func (e *BackendError) Unwrap() error { return e.Err }

// Instance is one reconstructed row of content_<id>: metadata plus the
// entity's declared fields, single and multi alike.
type Instance struct {
	ID          string
	UUID        string
	User        string
	RID         int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastCached  *time.Time
	CacheTTL    int
	ContentHash string
	Fields      map[string]interface{}
}

// Store binds to one entity id and one connection pool, per spec §4.J.
type Store struct {
	Entity *schema.EntityDefinition
	Pool   *relstore.Pool
	// Exists is consulted for entity_reference field validation. Optional;
	// nil skips existence checks.
	Exists schema.EntityExists
}

// New returns a Store for entity over pool. The pool is borrowed, never
// owned: Store never closes it.
func New(entity *schema.EntityDefinition, pool *relstore.Pool, exists schema.EntityExists) *Store {
	return &Store{Entity: entity, Pool: pool, Exists: exists}
}

// nonIdentifierRun matches any run of characters outside [a-z0-9], used to
// collapse a title into a slug.
var nonIdentifierRun = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateIDFromTitle derives a pure, idempotent human-legible slug from
// title: lower-cased, every run of non [a-z0-9] characters collapsed to a
// single '-', leading/trailing '-' trimmed. This supplements the ULID
// primary id with a readable secondary identifier (spec §8 property 6).
func GenerateIDFromTitle(title string) string {
	lowered := strings.ToLower(title)
	collapsed := nonIdentifierRun.ReplaceAllString(lowered, "-")
	return strings.Trim(collapsed, "-")
}

func newULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// withRetry retries a transient backend call at most once, the same
// pool-ping-on-connect retry idiom generalized to a single blanket retry
// for any backend error.
func (s *Store) withRetry(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	common.Logger.WithError(err).WithField("entity", s.Entity.ID).Warn("entitystore: retrying after transient error")
	return op()
}

// Create validates fields against the entity definition, generates id/uuid,
// computes content_hash (unless callers supplied one), and writes the main
// row plus any multi-value auxiliary rows, per spec §4.J.
func (s *Store) Create(ctx context.Context, fields map[string]interface{}, user string) (*Instance, error) {
	if err := s.validateFields(fields, true); err != nil {
		return nil, err
	}

	id, err := newULID()
	if err != nil {
		return nil, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	now := time.Now().UTC()

	contentHash, _ := fields["content_hash"].(string)
	if contentHash == "" {
		contentHash = hash.Canonical(fields)
	}

	cacheTTL := defaultCacheTTLSeconds
	if !s.Entity.Cacheable {
		cacheTTL = 0
	}
	inst := &Instance{
		ID:          id,
		UUID:        uuid.NewString(),
		User:        user,
		RID:         1,
		CreatedAt:   now,
		UpdatedAt:   now,
		CacheTTL:    cacheTTL,
		ContentHash: contentHash,
		Fields:      fields,
	}

	err = s.withRetry(func() error {
		tx, err := s.Pool.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := s.insertMainRow(ctx, tx, inst); err != nil {
			return err
		}
		for _, f := range s.Entity.MultiFields() {
			if values, ok := fields[f.ID]; ok {
				if err := s.replaceMulti(ctx, tx, f.ID, id, values); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	return inst, nil
}

func (s *Store) insertMainRow(ctx context.Context, tx *sql.Tx, inst *Instance) error {
	cols := []string{"id", "uuid", `"user"`, "rid", "created_at", "updated_at", "cache_ttl", "content_hash"}
	args := []interface{}{inst.ID, inst.UUID, inst.User, inst.RID, inst.CreatedAt, inst.UpdatedAt, inst.CacheTTL, inst.ContentHash}

	for _, f := range s.Entity.SingleFields() {
		cols = append(cols, f.ID)
		args = append(args, inst.Fields[f.ID])
	}
	for _, f := range s.Entity.MultiFields() {
		cols = append(cols, "field_reference_"+f.ID)
		args = append(args, s.Entity.AuxTable(f.ID))
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = s.Pool.Placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.Entity.MainTable(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Get reconstructs one Instance by id, including its multi-value fields.
// The second return value is false if no such row exists.
func (s *Store) Get(ctx context.Context, id string) (*Instance, bool, error) {
	inst, err := s.scanMainRow(ctx, s.Pool, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	for _, f := range s.Entity.MultiFields() {
		values, err := s.getMulti(ctx, s.Pool, f.ID, id)
		if err != nil {
			return nil, false, &BackendError{Entity: s.Entity.ID, Err: err}
		}
		inst.Fields[f.ID] = values
	}
	return inst, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) scanMainRow(ctx context.Context, q queryer, id string) (*Instance, error) {
	cols := []string{"id", "uuid", `"user"`, "rid", "created_at", "updated_at", "last_cached", "cache_ttl", "content_hash"}
	for _, f := range s.Entity.SingleFields() {
		cols = append(cols, f.ID)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", strings.Join(cols, ", "), s.Entity.MainTable(), s.Pool.Placeholder(1))
	row := q.QueryRowContext(ctx, query, id)
	return scanInstanceRow(row, s.Entity, cols)
}

// rowLike abstracts *sql.Row and *sql.Rows, both of which expose Scan.
type rowLike interface {
	Scan(dest ...interface{}) error
}

func scanInstanceRow(row rowLike, e *schema.EntityDefinition, cols []string) (*Instance, error) {
	dest := make([]interface{}, len(cols))
	var (
		instID, instUUID, instUser, contentHash string
		rid, cacheTTL                           int
		createdAt, updatedAt                    time.Time
		lastCached                              sql.NullTime
	)
	dest[0], dest[1], dest[2], dest[3] = &instID, &instUUID, &instUser, &rid
	dest[4], dest[5], dest[6], dest[7], dest[8] = &createdAt, &updatedAt, &lastCached, &cacheTTL, &contentHash

	fieldValues := make([]interface{}, len(cols)-9)
	for i := range fieldValues {
		fieldValues[i] = new(interface{})
		dest[9+i] = fieldValues[i]
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	inst := &Instance{
		ID: instID, UUID: instUUID, User: instUser, RID: rid,
		CreatedAt: createdAt, UpdatedAt: updatedAt, CacheTTL: cacheTTL, ContentHash: contentHash,
		Fields: make(map[string]interface{}),
	}
	if lastCached.Valid {
		t := lastCached.Time
		inst.LastCached = &t
	}
	for i, f := range e.SingleFields() {
		inst.Fields[f.ID] = *(fieldValues[i].(*interface{}))
	}
	return inst, nil
}

// Update validates and merges fields into the current row; missing keys
// retain their previous value. For versioned entities, the current row, and
// each multi-value set that fields replaces, is snapshotted into the
// revision tables before the update, all within one transaction, per spec
// §4.J. A multi-value set absent from fields is not copied, so GetRevision
// for that rid returns no values for it.
func (s *Store) Update(ctx context.Context, id string, fields map[string]interface{}, user string) (*Instance, error) {
	if err := s.validateFields(fields, false); err != nil {
		return nil, err
	}

	var result *Instance
	err := s.withRetry(func() error {
		tx, err := s.Pool.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		current, err := s.scanMainRow(ctx, txQueryer{tx}, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &NotFoundError{Entity: s.Entity.ID, ID: id}
			}
			return err
		}
		for _, f := range s.Entity.MultiFields() {
			values, err := s.getMulti(ctx, txQueryer{tx}, f.ID, id)
			if err != nil {
				return err
			}
			current.Fields[f.ID] = values
		}

		if s.Entity.Versioned {
			if err := s.snapshotRevision(ctx, tx, current); err != nil {
				return err
			}
			for _, f := range s.Entity.MultiFields() {
				if _, changing := fields[f.ID]; changing {
					if err := s.snapshotMultiRevision(ctx, tx, f.ID, id, current.RID, current.Fields[f.ID]); err != nil {
						return err
					}
				}
			}
		}

		merged := make(map[string]interface{}, len(current.Fields))
		for k, v := range current.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}

		contentHash, _ := fields["content_hash"].(string)
		if contentHash == "" {
			contentHash = hash.Canonical(merged)
		}

		now := time.Now().UTC()
		if err := s.updateMainRow(ctx, tx, id, current.RID+1, now, contentHash, merged); err != nil {
			return err
		}
		for _, f := range s.Entity.MultiFields() {
			if values, ok := fields[f.ID]; ok {
				if err := s.replaceMulti(ctx, tx, f.ID, id, values); err != nil {
					return err
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		result = &Instance{
			ID: id, UUID: current.UUID, User: current.User, RID: current.RID + 1,
			CreatedAt: current.CreatedAt, UpdatedAt: now, CacheTTL: current.CacheTTL,
			ContentHash: contentHash, Fields: merged,
		}
		return nil
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	return result, nil
}

func (s *Store) updateMainRow(ctx context.Context, tx *sql.Tx, id string, rid int, now time.Time, contentHash string, merged map[string]interface{}) error {
	sets := []string{}
	args := []interface{}{}
	n := 1
	addSet := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = %s", col, s.Pool.Placeholder(n)))
		args = append(args, val)
		n++
	}
	addSet("rid", rid)
	addSet("updated_at", now)
	addSet("content_hash", contentHash)
	for _, f := range s.Entity.SingleFields() {
		addSet(f.ID, merged[f.ID])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", s.Entity.MainTable(), strings.Join(sets, ", "), s.Pool.Placeholder(n))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Delete removes the main row by id; ON DELETE CASCADE (enforced by the
// foreign_keys pragma on SQLite, natively on Postgres) removes auxiliary
// rows in the same statement.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", s.Entity.MainTable(), s.Pool.Placeholder(1))
	res, err := s.Pool.ExecContext(ctx, query, id)
	if err != nil {
		return &BackendError{Entity: s.Entity.ID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &BackendError{Entity: s.Entity.ID, Err: err}
	}
	if n == 0 {
		return &NotFoundError{Entity: s.Entity.ID, ID: id}
	}
	return nil
}

// List returns instances ordered by created_at DESC. limit<=0 means
// unbounded; multi-value fields are not populated (use Get for the full
// record).
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Instance, error) {
	cols := []string{"id", "uuid", `"user"`, "rid", "created_at", "updated_at", "last_cached", "cache_ttl", "content_hash"}
	for _, f := range s.Entity.SingleFields() {
		cols = append(cols, f.ID)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC", strings.Join(cols, ", "), s.Entity.MainTable())
	args := []interface{}{}
	n := 1
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", s.Pool.Placeholder(n))
		args = append(args, limit)
		n++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %s", s.Pool.Placeholder(n))
		args = append(args, offset)
	}

	rows, err := s.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows, s.Entity, cols)
		if err != nil {
			return nil, &BackendError{Entity: s.Entity.ID, Err: err}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Count returns the total number of instances of this entity, independent
// of any List page size — the total List callers report alongside a page
// is this value, not len(page).
func (s *Store) Count(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.Entity.MainTable())
	var n int
	if err := s.Pool.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, &BackendError{Entity: s.Entity.ID, Err: err}
	}
	return n, nil
}

// validateFields checks every key in fields against its declaration, plus,
// when requireAll is true (Create), every declared field not present in
// fields so a missing required value is caught here rather than surfacing
// as a NOT NULL backend error (single fields) or passing silently (multi
// fields, which have no NOT NULL column to catch it). Update passes
// requireAll=false: an absent key there means "keep the current value",
// not "value is empty".
func (s *Store) validateFields(fields map[string]interface{}, requireAll bool) error {
	for key := range fields {
		if key == "content_hash" {
			continue
		}
		if _, ok := s.Entity.FieldByID(key); !ok {
			return &ValidationFailedError{Entity: s.Entity.ID, Err: fmt.Errorf("field %q is not declared on entity %q", key, s.Entity.ID)}
		}
	}
	for _, f := range s.Entity.Fields {
		val, present := fields[f.ID]
		if !present && !requireAll {
			continue
		}
		if err := f.Validate(val, s.Exists); err != nil {
			var cardErr *schema.CardinalityExceededError
			if errors.As(err, &cardErr) {
				return &CardinalityExceededError{Entity: s.Entity.ID, Field: cardErr.Field, Max: cardErr.Max, Got: cardErr.Got}
			}
			return &ValidationFailedError{Entity: s.Entity.ID, Err: err}
		}
	}
	return nil
}

// txQueryer adapts *sql.Tx to the queryer interface scanMainRow/getMulti use.
type txQueryer struct{ tx *sql.Tx }

func (t txQueryer) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}
func (t txQueryer) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}
