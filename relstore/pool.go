// Package relstore provides the relational connection pool THE CORE borrows
// from but never owns (spec §3.9). It wraps database/sql behind a single
// thin Pool type so the rest of the module never branches on which engine
// is behind a schema.EntityDefinition's tables.
//
// Two engines are wired, selected at Open time by dialect:
//   - "sqlite", the default embedded, file-based store (modernc.org/sqlite,
//     a pure-Go driver, no cgo) matching the single-file layout of
//     <data_root>/content/<db_file> from spec §6.1.
//   - "postgres", a production engine reached through the pgx stdlib
//     adapter, for operators who outgrow a single embedded file.
//
// The two engines differ in DDL capability: SQLite cannot drop or modify an
// existing column in place (spec §4.H); Postgres can. Pool.SupportsDropColumn
// and Pool.SupportsModifyColumn let the Action Executor decide, per plan,
// whether a DropColumn/ModifyColumn action is even attemptable.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Pool wraps a *sql.DB with the engine-capability metadata the rest of
// the module needs. It is safe for concurrent use; every borrow (Exec,
// Query, BeginTx) goes through database/sql's own pooling and is released
// on every exit path by the caller via defer.
type Pool struct {
	db      *sql.DB
	dialect string
}

// OpenSQLite opens (creating if necessary) an embedded SQLite-class store
// at path. A single file backs the whole relational state, per spec §6.1.
func OpenSQLite(path string) (*Pool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("relstore: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite serializes writers; one conn avoids SQLITE_BUSY storms
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: enable foreign keys: %w", err)
	}
	return &Pool{db: db, dialect: DialectSQLite}, nil
}

// OpenPostgres opens a connection pool against a Postgres-class store via
// the pgx stdlib adapter. connString follows the standard libpq URL form.
func OpenPostgres(connString string) (*Pool, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("relstore: open postgres: %w", err)
	}
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(100)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: ping postgres: %w", err)
	}
	return &Pool{db: db, dialect: DialectPostgres}, nil
}

// Dialect reports the engine family backing the pool ("sqlite" or "postgres").
func (p *Pool) Dialect() string { return p.dialect }

// SupportsDropColumn reports whether the engine can execute a native
// ALTER TABLE ... DROP COLUMN. False for SQLite-class stores (spec §4.H).
func (p *Pool) SupportsDropColumn() bool { return p.dialect == DialectPostgres }

// SupportsModifyColumn reports whether the engine can execute a native
// ALTER TABLE ... ALTER COLUMN TYPE. False for SQLite-class stores.
func (p *Pool) SupportsModifyColumn() bool { return p.dialect == DialectPostgres }

// ExecContext executes a statement with no rows returned.
func (p *Pool) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query returning rows; the caller must Close() them.
func (p *Pool) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (p *Pool) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// BeginTx opens one transaction, the only unit the Action Executor and
// Entity Storage are allowed to mutate structural or row state within
// (spec §3.9, §5).
func (p *Pool) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, nil)
}

// Placeholder returns the positional parameter marker for the pool's
// dialect: "$n" for Postgres, "?" for SQLite. Callers building
// dialect-portable SQL (audit, entitystore) use this instead of
// hand-rolling per-engine query strings.
func (p *Pool) Placeholder(n int) string {
	if p.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// DB exposes the underlying *sql.DB for callers (tests, migrations) that
// need it directly.
func (p *Pool) DB() *sql.DB { return p.db }

// Close releases the pool's connections.
func (p *Pool) Close() error { return p.db.Close() }
