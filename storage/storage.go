// Package storage implements the single-process embedded relational store
// described in §4.1: one write connection serialized behind a
// per-database mutex, one read connection, a transaction primitive that
// binds calls to the write connection so reads observe uncommitted writes
// within the transaction, and ConflictError on unique-index violations.
//
// The store is backed by SQLite in WAL mode (github.com/mattn/go-sqlite3).
// The schema/pragma conventions here are documented in DESIGN.md.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/telemetry"
)

// ConflictError is returned when a write violates a unique index. Callers
// distinguish this from other errors to implement createJob's
// insert-or-return-existing semantics.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint violated: %s", e.Constraint)
}

// Result mirrors the subset of sql.Result the control plane needs.
type Result struct {
	Changes       int64
	LastInsertRowid int64
}

// DB is a single logical database (one of "meridian", "sentinel", or an
// "audit-YYYY-MM" partition). It owns a write connection (serialized behind
// writeMu) and a read connection (unrestricted concurrency).
type DB struct {
	name    string
	write   *sql.DB
	read    *sql.DB
	writeMu sync.Mutex
	logger  telemetry.Logger

	// inTx is never set: Transaction binds calls to its connection through
	// the *Tx it passes to fn, not through the DB.
	inTx bool
}

// Open opens (creating if necessary) a WAL-mode SQLite database at path,
// configuring the pragmas the control plane relies on for durability and
// single-writer semantics.
func Open(path string, logger telemetry.Logger) (*DB, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	write, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open write connection")
	}
	write.SetMaxOpenConns(1) // single writer; serialization is also enforced by writeMu
	read, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		_ = write.Close()
		return nil, errs.Wrap(errs.Internal, err, "open read connection")
	}
	db := &DB{name: nameOf(path), write: write, read: read, logger: logger}
	if err := db.applyPragmas(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
}

func nameOf(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

func (db *DB) applyPragmas() error {
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.write.Exec(stmt); err != nil {
			return errs.Wrap(errs.Internal, err, "apply pragma: "+stmt)
		}
	}
	return nil
}

// Name returns the logical database name (the file's base name), used to
// label metrics and log entries.
func (db *DB) Name() string { return db.name }

// Close closes both connections.
func (db *DB) Close() error {
	var firstErr error
	if err := db.write.Close(); err != nil {
		firstErr = err
	}
	if err := db.read.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Backup takes a hot snapshot of the database to destPath using SQLite's
// VACUUM INTO, which is safe to run concurrently with readers and writers.
func (db *DB) Backup(ctx context.Context, destPath string) error {
	_, err := db.write.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "backup database")
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so Query/Run can be
// called either directly against a DB or against the connection bound by an
// in-progress transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Query runs a read query. Outside of a transaction it uses the dedicated
// read connection (non-blocking with respect to writers, per SQLite's WAL
// mode); Query is safe to call concurrently from many goroutines.
func Query(ctx context.Context, db *DB, sqlText string, args ...any) (*sql.Rows, error) {
	rows, err := db.read.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "query")
	}
	return rows, nil
}

// Run executes a write statement, acquiring the per-database write mutex for
// its duration. It classifies unique-index violations as *ConflictError so
// callers (notably job.createJob) can distinguish "duplicate" from other
// failures.
func Run(ctx context.Context, db *DB, sqlText string, args ...any) (Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return run(ctx, db.write, sqlText, args...)
}

func run(ctx context.Context, q querier, sqlText string, args ...any) (Result, error) {
	res, err := q.ExecContext(ctx, sqlText, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return Result{}, &ConflictError{Constraint: constraintName(err)}
		}
		return Result{}, errs.Wrap(errs.Internal, err, "exec")
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return Result{Changes: changes, LastInsertRowid: lastID}, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func constraintName(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, "UNIQUE constraint failed: "); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("UNIQUE constraint failed: "):])
	}
	return msg
}

// Tx is the handle passed to a transaction(db, fn) callback. Every
// Query/Run-style call made with Tx is bound to the write connection, so
// reads observe uncommitted writes made earlier in the same transaction.
type Tx struct {
	tx *sql.Tx
}

// QueryContext runs a read query against the transaction's connection.
func (t *Tx) QueryContext(ctx context.Context, sqlText string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "query (tx)")
	}
	return rows, nil
}

// Exec runs a write statement against the transaction's connection,
// classifying unique-index violations as *ConflictError.
func (t *Tx) Exec(ctx context.Context, sqlText string, args ...any) (Result, error) {
	return run(ctx, t.tx, sqlText, args...)
}

// ErrRolledBack names a rolled-back transaction. Transaction itself does not
// return it: when fn returns a non-nil error, Transaction rolls back and
// returns fn's error unwrapped.
var ErrRolledBack = errors.New("transaction rolled back")

// Transaction begins/commits/rolls back a transaction around fn. Rollback is
// best-effort on panic: the panic is recovered, Rollback is attempted, and
// the panic is re-raised so the caller's process-level recovery (if any)
// still observes it.
func Transaction(ctx context.Context, db *DB, fn func(ctx context.Context, tx *Tx) error) (err error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	sqlTx, err := db.write.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "begin transaction")
	}
	tx := &Tx{tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if ferr := fn(ctx, tx); ferr != nil {
		_ = sqlTx.Rollback()
		var conflict *ConflictError
		if errors.As(ferr, &conflict) {
			return conflict
		}
		return ferr
	}
	if cerr := sqlTx.Commit(); cerr != nil {
		return errs.Wrap(errs.Internal, cerr, "commit transaction")
	}
	return nil
}
