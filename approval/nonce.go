// Package approval implements the approval router of §4.4: mapping a
// policy ValidationResult to a job-state transition, issuing single-use
// ApprovalNonces, and caching the structured ApprovalRequest a user-facing
// bridge displays while a job sits in awaiting_approval.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/storage"
)

// NonceStore issues and verifies single-use ApprovalNonces backed by the
// `approval_nonces` table. Verification atomically deletes the row so a
// retried request cannot succeed twice (§4.4).
type NonceStore struct {
	db    *storage.DB
	clock func() time.Time
	ttl   time.Duration
}

// NewNonceStore builds a NonceStore. ttl is the nonce's lifetime; §6
// carries this as part of the bridge's session/approval configuration.
func NewNonceStore(db *storage.DB, ttl time.Duration) *NonceStore {
	return &NonceStore{db: db, clock: time.Now, ttl: ttl}
}

// WithClock overrides the store's time source for deterministic expiry
// tests.
func (n *NonceStore) WithClock(clock func() time.Time) *NonceStore {
	n.clock = clock
	return n
}

// Issue generates a 256-bit random nonce for jobID, replacing any
// previously issued nonce for that job (a job has at most one outstanding
// nonce at a time, since awaiting_approval is reached once per validation
// cycle).
func (n *NonceStore) Issue(ctx context.Context, jobID string) (nonce string, expiresAt time.Time, err error) {
	raw := make([]byte, 32) // 256 bits
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, errs.Wrap(errs.Internal, err, "generate nonce")
	}
	nonce = hex.EncodeToString(raw)
	expiresAt = n.clock().Add(n.ttl)

	_, err = storage.Run(ctx, n.db, `
		INSERT INTO approval_nonces (job_id, nonce, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET nonce = excluded.nonce, expires_at = excluded.expires_at`,
		jobID, nonce, expiresAt.UnixMilli())
	if err != nil {
		return "", time.Time{}, errs.Wrap(errs.Internal, err, "persist nonce")
	}
	return nonce, expiresAt, nil
}

// IssueNonce implements job.Approver, returning only what the worker pool
// needs (the nonce itself is delivered to the user via the bridge's
// ApprovalRequest, not to the worker).
func (n *NonceStore) IssueNonce(ctx context.Context, jobID string) (string, time.Time, error) {
	return n.Issue(ctx, jobID)
}

// Verify checks candidate against the stored nonce for jobID. On success it
// atomically deletes the row (DELETE ... WHERE job_id=? AND nonce=?,
// checking changes=1) so the nonce cannot be verified twice, per §8
// "validateApprovalNonce(j, n) returns true at most once."
func (n *NonceStore) Verify(ctx context.Context, jobID, candidate string) (bool, error) {
	rows, err := storage.Query(ctx, n.db, `SELECT nonce, expires_at FROM approval_nonces WHERE job_id = ?`, jobID)
	if err != nil {
		return false, err
	}
	var stored string
	var expiresAtMs int64
	found := false
	if rows.Next() {
		if err := rows.Scan(&stored, &expiresAtMs); err != nil {
			rows.Close()
			return false, errs.Wrap(errs.Internal, err, "scan nonce")
		}
		found = true
	}
	rows.Close()
	if !found {
		return false, nil
	}
	if n.clock().After(time.UnixMilli(expiresAtMs)) {
		_, _ = storage.Run(ctx, n.db, `DELETE FROM approval_nonces WHERE job_id = ?`, jobID)
		return false, nil
	}
	if !constantTimeEqual(stored, candidate) {
		return false, nil
	}

	res, err := storage.Run(ctx, n.db, `DELETE FROM approval_nonces WHERE job_id = ? AND nonce = ?`, jobID, candidate)
	if err != nil {
		return false, err
	}
	return res.Changes == 1, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ExpireBefore deletes all nonces whose expires_at is before cutoff,
// implementing the "expire sessions and nonces past expires_at" pruning
// task of §4.9.
func (n *NonceStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := storage.Run(ctx, n.db, `DELETE FROM approval_nonces WHERE expires_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.Changes, nil
}
