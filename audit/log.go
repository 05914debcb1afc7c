// Package audit implements the append-only, hash-chained audit log of
// §4.8: one partition per calendar month, entries linked by
// entry_hash = SHA-256(previous_hash || canonical_json(fields_excluding_hash)),
// and chain verification that reports the first divergent entry id.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/storage"
)

// ZeroHash is the previous_hash of the first entry in a partition.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// entryBody is the set of fields hashed into entry_hash. Struct field order
// is fixed, so json.Marshal is a stable canonical form without needing a
// dedicated canonical-JSON library.
type entryBody struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Ts           int64           `json:"ts"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	Risk         string          `json:"risk"`
	Target       string          `json:"target,omitempty"`
	JobID        string          `json:"jobId,omitempty"`
	PreviousHash string          `json:"previousHash"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Entry is one fully chained audit record, as read back from storage.
type Entry struct {
	entryBody
	EntryHash string
}

// Log is a single monthly partition's audit writer/reader. Writes are
// serialized by storage's per-database write mutex, which is exactly the
// "writes are serialized" invariant the chain requires — the chain's
// previous_hash lookup and the new entry's insert happen inside one
// storage.Transaction so no concurrent writer can observe a torn chain.
type Log struct {
	db    *storage.DB
	clock func() time.Time
}

// New wraps db (expected to already carry the audit schema, see
// storage.MigrateAuditPartition) as a Log.
func New(db *storage.DB) *Log {
	return &Log{db: db, clock: time.Now}
}

// WithClock overrides the Log's time source, for tests.
func (l *Log) WithClock(clock func() time.Time) { l.clock = clock }

// DB exposes the partition's underlying storage handle, for callers that
// need to back up or inspect a partition directly (e.g. the maintenance
// package's partition-roll bookkeeping).
func (l *Log) DB() *storage.DB { return l.db }

// Record appends event to the chain, implementing job.AuditRecorder so a
// job.Pool can be handed a Log directly.
func (l *Log) Record(ctx context.Context, event job.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal audit details")
	}
	body := entryBody{
		ID:      uuid.NewString(),
		Ts:      l.clock().UnixMilli(),
		Actor:   event.Actor,
		Action:  event.Action,
		Risk:    event.Risk,
		Details: details,
	}
	if event.Target != nil {
		body.Target = *event.Target
	}
	if event.JobID != nil {
		body.JobID = *event.JobID
	}

	return storage.Transaction(ctx, l.db, func(ctx context.Context, tx *storage.Tx) error {
		prevHash, prevSeq, err := lastEntry(ctx, tx)
		if err != nil {
			return err
		}
		body.Seq = prevSeq + 1
		body.PreviousHash = prevHash

		hash, err := chainHash(body)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_entries
				(id, seq, ts, actor, action, risk, target, job_id, previous_hash, entry_hash, details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, body.ID, body.Seq, body.Ts, body.Actor, body.Action, body.Risk,
			nullableString(body.Target), nullableString(body.JobID), body.PreviousHash, hash, string(body.Details))
		return err
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func lastEntry(ctx context.Context, tx *storage.Tx) (hash string, seq int64, err error) {
	rows, qerr := tx.QueryContext(ctx, `SELECT entry_hash, seq FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if qerr != nil {
		return "", 0, qerr
	}
	defer rows.Close()
	if !rows.Next() {
		return ZeroHash, 0, nil
	}
	if err := rows.Scan(&hash, &seq); err != nil {
		return "", 0, errs.Wrap(errs.Internal, err, "scan last audit entry")
	}
	return hash, seq, nil
}

// chainHash computes entry_hash = SHA-256(previous_hash || canonical_json(fields_excluding_hash)).
func chainHash(body entryBody) (string, error) {
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "marshal audit entry body")
	}
	h := sha256.New()
	h.Write([]byte(body.PreviousHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
