package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/policy"
	"github.com/meridian-run/meridian/telemetry"
)

// Pool drives N cooperative workers through §4.2's loop: claim(1) →
// drive the state machine → repeat, with bounded-backoff idle polling.
// Each in-flight job owns a cancellation token (a context.CancelFunc kept
// in Pool.cancels); CancelJob trips it.
type Pool struct {
	scheduler *Scheduler
	engine    *policy.Engine
	planner   Planner
	approver  Approver
	executor  Executor
	audit     AuditRecorder
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	workers          int
	maxRevisionCount int
	maxReplan        int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool builds a worker Pool. Collaborators may be nil in tests that
// don't exercise the corresponding phase (a nil Planner/Executor/Approver
// panics only if a job actually reaches that phase).
func NewPool(
	scheduler *Scheduler, engine *policy.Engine, planner Planner, approver Approver,
	executor Executor, audit AuditRecorder, logger telemetry.Logger, metrics telemetry.Metrics,
	workers, maxRevisionCount, maxReplan int,
) *Pool {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		scheduler: scheduler, engine: engine, planner: planner, approver: approver,
		executor: executor, audit: audit, logger: logger, metrics: metrics,
		workers: workers, maxRevisionCount: maxRevisionCount, maxReplan: maxReplan,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker goroutines. ctx governs the pool's lifetime:
// cancelling it stops all workers from claiming new work and trips every
// in-flight job's cancellation token.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		workerID := workerIdentity(i)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}()
	}
}

// Stop waits up to grace for in-flight jobs to settle after ctx (passed to
// Start) has been cancelled. Jobs still running when grace elapses are
// left executing for the next crash-recovery cycle to reclaim, per
// §4.7.
func (p *Pool) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn(context.Background(), "worker pool did not settle within grace period")
	}
}

// CancelJob trips jobID's cancellation token, if the pool currently has one
// registered (i.e. the job is in-flight on some worker), in addition to
// persisting the cancelled transition.
func (p *Pool) CancelJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return p.scheduler.CancelJob(ctx, jobID)
}

// Resume re-enters an awaiting_approval job into the executing state and
// spawns a goroutine to drive it to completion, following an approval
// grant. workerID identifies the resuming driver for the worker_id column
// (invariant: worker_id is non-null while status=executing).
func (p *Pool) Resume(ctx context.Context, jobID, workerID string) error {
	j, err := p.scheduler.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusAwaitingApproval {
		return errs.Newf(errs.Conflict, "resume: job %q is not awaiting approval (status=%s)", jobID, j.Status)
	}
	if err := p.scheduler.Transition(ctx, jobID, StatusAwaitingApproval, StatusExecuting, Patch{WorkerID: &workerID}); err != nil {
		return err
	}
	j.Status = StatusExecuting
	w := *j
	w.WorkerID = &workerID

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drive(ctx, workerID, &w)
	}()
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	backoff := newBackoff(25*time.Millisecond, 2*time.Second)
	limiter := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		jobs, err := p.scheduler.Claim(ctx, workerID, 1)
		if err != nil {
			p.logger.Error(ctx, "claim failed", "error", err)
			select {
			case <-time.After(backoff.next()):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(jobs) == 0 {
			select {
			case <-time.After(backoff.next()):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff.reset()
		for _, j := range jobs {
			p.drive(ctx, workerID, j)
		}
	}
}

// drive runs one job from its just-claimed planning state through to a
// terminal status, or until ctx/cancellation interrupts it (in which case
// the job is left for crash recovery).
func (p *Pool) drive(ctx context.Context, workerID string, j *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	if j.TimeoutMs != nil {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, time.Duration(*j.TimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}
	p.mu.Lock()
	p.cancels[j.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, j.ID)
		p.mu.Unlock()
		cancel()
	}()

	status := j.Status
	for !Terminal[status] {
		next, err := p.step(jobCtx, j, status)
		if err != nil {
			if errs.Is(err, errs.Cancelled) {
				p.logger.Info(ctx, "job cancelled mid-drive", "job_id", j.ID)
				return
			}
			p.logger.Error(ctx, "job step failed, leaving for recovery", "job_id", j.ID, "error", err)
			return
		}
		status = next
		if status == StatusAwaitingApproval {
			return // suspended until the bridge delivers an approval/rejection
		}
	}
}

// step advances j by exactly one state and returns the status it
// transitioned to.
func (p *Pool) step(ctx context.Context, j *Job, from Status) (Status, error) {
	switch from {
	case StatusPlanning:
		return p.doPlan(ctx, j)
	case StatusValidating:
		return p.doValidate(ctx, j)
	case StatusExecuting:
		return p.doExecute(ctx, j)
	default:
		return from, errs.Newf(errs.Internal, "worker cannot drive job from status %q", from)
	}
}

func (p *Pool) doPlan(ctx context.Context, j *Job) (Status, error) {
	in := PlanInput{JobID: j.ID, ConversationID: j.ConversationID}
	if j.Plan != nil {
		in.PriorPlan = j.Plan
		if j.Validation != nil {
			in.SuggestedRevisions = j.Validation.SuggestedRevisions
		}
	}
	raw, err := p.planner.RequestPlan(ctx, in)
	if err != nil {
		return StatusPlanning, p.fail(ctx, j, StatusPlanning, errs.Wrap(errs.Upstream, err, "planner request failed"))
	}
	if err := p.scheduler.Transition(ctx, j.ID, StatusPlanning, StatusValidating, Patch{Plan: &raw}); err != nil {
		return StatusPlanning, err
	}
	j.Plan = &raw
	return StatusValidating, nil
}

func (p *Pool) doValidate(ctx context.Context, j *Job) (Status, error) {
	stripped := policy.StripPlan(*j.Plan)
	result := p.engine.Evaluate(stripped)
	_ = p.recordAudit(ctx, j, "validate", string(result.Verdict), result.OverallRisk.String())

	switch result.Verdict {
	case policy.VerdictApproved:
		if err := p.scheduler.Transition(ctx, j.ID, StatusValidating, StatusExecuting, Patch{Validation: &result, ClearWorkerID: false}); err != nil {
			return StatusValidating, err
		}
		j.Validation = &result
		return StatusExecuting, nil

	case policy.VerdictNeedsRevision:
		count := j.RevisionCount + 1
		if count > p.maxRevisionCount {
			return StatusValidating, p.fail(ctx, j, StatusValidating, errs.Newf(errs.Validation, "revision bound exceeded: %s", result.SuggestedRevisions))
		}
		if err := p.scheduler.Transition(ctx, j.ID, StatusValidating, StatusPlanning, Patch{
			Validation: &result, RevisionCount: &count, ClearWorkerID: false,
		}); err != nil {
			return StatusValidating, err
		}
		j.Validation, j.RevisionCount = &result, count
		return StatusPlanning, nil

	case policy.VerdictNeedsUserApproval:
		nonce, expires, err := p.approver.IssueNonce(ctx, j.ID)
		if err != nil {
			return StatusValidating, p.fail(ctx, j, StatusValidating, errs.Wrap(errs.Internal, err, "issue approval nonce"))
		}
		_ = p.recordAudit(ctx, j, "nonce_issued", "approval_required", result.OverallRisk.String())
		_ = expires
		_ = nonce
		if err := p.scheduler.Transition(ctx, j.ID, StatusValidating, StatusAwaitingApproval, Patch{Validation: &result, ClearWorkerID: true}); err != nil {
			return StatusValidating, err
		}
		j.Validation = &result
		return StatusAwaitingApproval, nil

	default: // rejected
		return StatusValidating, p.fail(ctx, j, StatusValidating, errs.Newf(errs.Validation, "plan rejected: %s", result.Reasoning))
	}
}

func (p *Pool) doExecute(ctx context.Context, j *Job) (Status, error) {
	stripped := policy.StripPlan(*j.Plan)
	for _, step := range stripped.Steps {
		if err := p.executeStepWithRetry(ctx, j, step); err != nil {
			if errs.Is(err, errs.Cancelled) {
				return StatusExecuting, err
			}
			return StatusExecuting, p.fail(ctx, j, StatusExecuting, err)
		}
	}
	if err := p.scheduler.Transition(ctx, j.ID, StatusExecuting, StatusCompleted, Patch{}); err != nil {
		return StatusExecuting, err
	}
	return StatusCompleted, nil
}

// executeStepWithRetry runs step, retrying in place while the failure is
// retriable and j.Attempts remains under j.MaxAttempts (§4.5/§7: a timeout
// or other retriable step failure still follows the job's own retry
// policy, rather than parking the job for crash recovery to reclaim). Each
// retriable failure, the last one included, persists the bumped Attempts
// count before anything else, so a process restart mid-retry resumes
// counting from where it left off and an exhausted job ends with
// Attempts == MaxAttempts.
func (p *Pool) executeStepWithRetry(ctx context.Context, j *Job, step policy.Step) error {
	stepBackoff := newBackoff(100*time.Millisecond, 5*time.Second)
	for {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Cancelled, ctx.Err(), "execution cancelled")
		}
		_, err := p.executor.ExecuteStep(ctx, j.ID, step)
		if err == nil {
			return nil
		}
		if !errs.Retriable(err) {
			return errs.Wrap(errs.KindOf(err), err, "step execution failed")
		}
		attempts := j.Attempts + 1
		if terr := p.scheduler.Transition(ctx, j.ID, StatusExecuting, StatusExecuting, Patch{Attempts: &attempts}); terr != nil {
			return terr
		}
		j.Attempts = attempts
		if attempts >= j.MaxAttempts {
			return errs.Wrap(errs.KindOf(err), err, "step execution failed")
		}
		p.logger.Warn(ctx, "retriable step failure, retrying in place", "job_id", j.ID, "step_id", step.ID, "attempt", attempts, "error", err)
		select {
		case <-time.After(stepBackoff.next()):
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, ctx.Err(), "execution cancelled during retry backoff")
		}
	}
}

func (p *Pool) fail(ctx context.Context, j *Job, from Status, cause error) error {
	jobErr := &JobError{Kind: errs.KindOf(cause).String(), Message: redactedMessage(cause)}
	if err := p.scheduler.Transition(ctx, j.ID, from, StatusFailed, Patch{Error: jobErr}); err != nil {
		return err
	}
	_ = p.recordAudit(ctx, j, "fail", jobErr.Kind, "")
	return cause
}

func (p *Pool) recordAudit(ctx context.Context, j *Job, action, risk, target string) error {
	if p.audit == nil {
		return nil
	}
	event := AuditEvent{Actor: "scheduler", Action: action, Risk: risk, JobID: &j.ID}
	if target != "" {
		event.Target = &target
	}
	return p.audit.Record(ctx, event)
}

func redactedMessage(err error) string {
	// Secrets and internal paths are redacted from user-visible failures
	// (§7); the error's Kind-qualified message is safe to surface,
	// the wrapped cause chain (which may carry paths/credentials) is not.
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
