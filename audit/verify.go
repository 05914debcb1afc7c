package audit

import (
	"context"
	"encoding/json"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/storage"
)

// VerifyResult reports the outcome of walking a partition's hash chain.
type VerifyResult struct {
	Entries     int64
	OK          bool
	DivergentID string
	Reason      string
}

// Verify re-walks l's chain in sequence order, recomputing each entry's
// expected hash from its stored fields and the preceding entry's stored
// hash, and reports the first id where the stored entry_hash diverges from
// what recomputation expects.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	rows, err := storage.Query(ctx, l.db, `
		SELECT id, seq, ts, actor, action, risk,
		       COALESCE(target, ''), COALESCE(job_id, ''),
		       previous_hash, entry_hash, COALESCE(details, '')
		FROM audit_entries ORDER BY seq ASC
	`)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	expectedPrev := ZeroHash
	var count int64
	for rows.Next() {
		var (
			body       entryBody
			storedHash string
			details    string
		)
		if err := rows.Scan(&body.ID, &body.Seq, &body.Ts, &body.Actor, &body.Action, &body.Risk,
			&body.Target, &body.JobID, &body.PreviousHash, &storedHash, &details); err != nil {
			return VerifyResult{}, errs.Wrap(errs.Internal, err, "scan audit entry for verification")
		}
		count++
		if body.PreviousHash != expectedPrev {
			return VerifyResult{Entries: count, OK: false, DivergentID: body.ID,
				Reason: "previous_hash does not match the preceding entry's stored hash"}, nil
		}
		if details != "" {
			body.Details = json.RawMessage(details)
		}
		want, err := chainHash(body)
		if err != nil {
			return VerifyResult{}, err
		}
		if want != storedHash {
			return VerifyResult{Entries: count, OK: false, DivergentID: body.ID,
				Reason: "entry_hash does not match recomputed hash"}, nil
		}
		expectedPrev = storedHash
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, errs.Wrap(errs.Internal, err, "iterate audit entries")
	}
	return VerifyResult{Entries: count, OK: true}, nil
}
