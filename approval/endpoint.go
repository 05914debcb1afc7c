package approval

import (
	"context"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/job"
)

// Endpoint implements the external-facing "user approval endpoint" of
// §4.4: Approve/Reject, both gated by the matching single-use nonce.
type Endpoint struct {
	nonces    *NonceStore
	cache     *Cache
	scheduler *job.Scheduler
	pool      *job.Pool
	workerID  string
}

// NewEndpoint builds an Endpoint. workerID identifies this endpoint as the
// driver that resumes approved jobs (distinct from the claim-pool worker
// identities so crash recovery can tell "resumed by approval" apart from
// "still claimed by a worker", though both reset identically on recovery).
func NewEndpoint(nonces *NonceStore, cache *Cache, scheduler *job.Scheduler, pool *job.Pool) *Endpoint {
	return &Endpoint{nonces: nonces, cache: cache, scheduler: scheduler, pool: pool, workerID: "approval-endpoint"}
}

// Approve verifies nonce against jobID's outstanding ApprovalNonce and, on
// success, resumes the job into executing. A wrong or already-consumed
// nonce returns an Authentication error without touching the job row.
func (e *Endpoint) Approve(ctx context.Context, jobID, nonce string) error {
	ok, err := e.nonces.Verify(ctx, jobID, nonce)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.Authentication, "invalid or expired approval nonce for job %q", jobID)
	}
	if err := e.pool.Resume(ctx, jobID, e.workerID); err != nil {
		return err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, jobID)
	}
	return nil
}

// Reject verifies nonce the same way Approve does, then transitions the
// job to cancelled with the caller-supplied reason captured as the job's
// error.
func (e *Endpoint) Reject(ctx context.Context, jobID, nonce, reason string) error {
	ok, err := e.nonces.Verify(ctx, jobID, nonce)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.Authentication, "invalid or expired approval nonce for job %q", jobID)
	}
	if err := e.scheduler.Transition(ctx, jobID, job.StatusAwaitingApproval, job.StatusCancelled, job.Patch{
		Error: &job.JobError{Kind: errs.Validation.String(), Message: reason},
	}); err != nil {
		return err
	}
	if e.cache != nil {
		_ = e.cache.Delete(ctx, jobID)
	}
	return nil
}
