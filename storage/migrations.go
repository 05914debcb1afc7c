package storage

import "context"

// schema is the full set of DDL statements for the "meridian" logical
// database: jobs, disabled Gears (the sticky-disable supplement described in
// §5.4), and dedup bookkeeping. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE UNIQUE INDEX IF NOT EXISTS) so
// Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		priority         TEXT NOT NULL,
		source           TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		completed_at     INTEGER,
		worker_id        TEXT,
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 1,
		timeout_ms       INTEGER,
		plan             TEXT,
		validation       TEXT,
		result           TEXT,
		error            TEXT,
		revision_count   INTEGER NOT NULL DEFAULT 0,
		replan_count     INTEGER NOT NULL DEFAULT 0,
		dedup_hash       TEXT,
		parent_id        TEXT,
		conversation_id  TEXT,
		source_message_id TEXT,
		metadata         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_priority
		ON jobs (status, priority DESC, created_at ASC)`,
	// Partial unique index: at most one non-terminal row per dedup_hash
	// (invariant 1 in §8). SQLite partial indexes support arbitrary
	// WHERE clauses, so the terminal-status exclusion lives in the index
	// itself rather than in application logic racing against it.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup_active
		ON jobs (dedup_hash)
		WHERE dedup_hash IS NOT NULL
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
	`CREATE TABLE IF NOT EXISTS disabled_gears (
		gear_id    TEXT PRIMARY KEY,
		reason     TEXT NOT NULL,
		disabled_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS approval_nonces (
		job_id     TEXT PRIMARY KEY,
		nonce      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
}

// auditSchema is the DDL for a monthly audit partition database
// ("audit-YYYY-MM").
var auditSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id            TEXT PRIMARY KEY,
		seq           INTEGER NOT NULL,
		ts            INTEGER NOT NULL,
		actor         TEXT NOT NULL,
		action        TEXT NOT NULL,
		risk          TEXT NOT NULL,
		target        TEXT,
		job_id        TEXT,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL,
		details       TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_seq ON audit_entries (seq)`,
}

// Migrate applies the "meridian" logical database schema. It is idempotent
// and safe to call on every startup, per §4.7 phase 1 ("Open storage;
// run migrations.").
func Migrate(ctx context.Context, db *DB) error {
	return applyAll(ctx, db, schema)
}

// MigrateAuditPartition applies the audit-partition schema to db.
func MigrateAuditPartition(ctx context.Context, db *DB) error {
	return applyAll(ctx, db, auditSchema)
}

func applyAll(ctx context.Context, db *DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := Run(ctx, db, stmt); err != nil {
			return err
		}
	}
	return nil
}
