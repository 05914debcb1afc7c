package job_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/policy"
	"github.com/meridian-run/meridian/storage"
)

func newWorkerTestScheduler(t *testing.T) *job.Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.db")
	db, err := storage.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return job.New(db, nil, nil)
}

// fakePlanner returns a fixed plan on the first call and, if replans is
// non-empty, a successive plan per subsequent call (consumed in order).
type fakePlanner struct {
	mu      sync.Mutex
	plans   []policy.RawPlan
	next    int
	onPlan  func(in job.PlanInput)
}

func (f *fakePlanner) RequestPlan(_ context.Context, in job.PlanInput) (policy.RawPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onPlan != nil {
		f.onPlan(in)
	}
	i := f.next
	if i >= len(f.plans) {
		i = len(f.plans) - 1
	}
	f.next++
	return f.plans[i], nil
}

// fakeApprover always issues a deterministic nonce.
type fakeApprover struct {
	issued int32
}

func (f *fakeApprover) IssueNonce(_ context.Context, _ string) (string, time.Time, error) {
	atomic.AddInt32(&f.issued, 1)
	return "nonce-1", time.Now().Add(time.Minute), nil
}

// stepOutcome describes how fakeExecutor should answer one call for a
// given step id: a fixed number of retriable failures before succeeding,
// or an error that is never retriable.
type stepOutcome struct {
	failTimes int
	failErr   error
	succeed   json.RawMessage
}

// fakeExecutor answers ExecuteStep according to a per-step-id outcome
// table, tracking how many times each step has been invoked so it can
// fail a bounded number of times before succeeding.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]*stepOutcome
	calls    map[string]int
}

func newFakeExecutor(outcomes map[string]*stepOutcome) *fakeExecutor {
	return &fakeExecutor{outcomes: outcomes, calls: make(map[string]int)}
}

func (f *fakeExecutor) ExecuteStep(_ context.Context, _ string, step policy.Step) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[step.ID]++
	o, ok := f.outcomes[step.ID]
	if !ok {
		return json.RawMessage(`{"ok":true}`), nil
	}
	if f.calls[step.ID] <= o.failTimes {
		return nil, o.failErr
	}
	if o.succeed != nil {
		return o.succeed, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeExecutor) callCount(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepID]
}

// fakeAudit collects recorded events for assertions; nil is also a valid
// AuditRecorder value for tests that don't care about the audit trail.
type fakeAudit struct {
	mu     sync.Mutex
	events []job.AuditEvent
}

func (f *fakeAudit) Record(_ context.Context, event job.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

const testWorkspace = "/workspace"

func readOnlyStep(id string) policy.RawStep {
	return policy.RawStep{ID: id, Gear: "fs", Action: "read_files", Parameters: map[string]any{"path": testWorkspace + "/a.txt"}, RiskLevel: policy.RiskLow}
}

func waitForStatus(t *testing.T, s *job.Scheduler, jobID string, want job.Status, timeout time.Duration) *job.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := s.Get(context.Background(), jobID)
		require.NoError(t, err)
		if j.Status == want {
			return j
		}
		if job.Terminal[j.Status] && j.Status != want {
			t.Fatalf("job %s reached terminal status %s, want %s (error=%+v)", jobID, j.Status, want, j.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s within %s", jobID, want, timeout)
	return nil
}

func newTestEngine() *policy.Engine {
	return policy.New(policy.Options{WorkspacePath: testWorkspace})
}

// TestPoolHappyPath drives a single-step, auto-approved plan from pending
// to completed.
func TestPoolHappyPath(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read a file", MaxAttempts: 3})
	require.NoError(t, err)

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(nil)
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, &fakeApprover{}, executor, audit, nil, nil, 2, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	waitForStatus(t, s, j.ID, job.StatusCompleted, 2*time.Second)
	require.Equal(t, 1, executor.callCount("s1"))
}

// TestPoolCompositeRiskRequiresApprovalThenResumes exercises a plan whose
// steps trip composite-risk detection (read_files + network_get, per
// detectComposites), suspending the job in awaiting_approval until Resume
// is called, mirroring what the approval bridge does once a nonce is
// granted.
func TestPoolCompositeRiskRequiresApprovalThenResumes(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read then upload", MaxAttempts: 3})
	require.NoError(t, err)

	steps := []policy.RawStep{
		readOnlyStep("s1"),
		{ID: "s2", Gear: "net", Action: "network_get", Parameters: map[string]any{"url": "https://example.com"}, RiskLevel: policy.RiskLow},
	}
	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: steps}}}
	executor := newFakeExecutor(nil)
	approver := &fakeApprover{}
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, approver, executor, audit, nil, nil, 2, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)

	waitForStatus(t, s, j.ID, job.StatusAwaitingApproval, 2*time.Second)
	require.EqualValues(t, 1, atomic.LoadInt32(&approver.issued))
	require.Equal(t, 0, executor.callCount("s1"), "no step should execute before approval")

	require.NoError(t, pool.Resume(ctx, j.ID, "worker-resumed"))
	waitForStatus(t, s, j.ID, job.StatusCompleted, 2*time.Second)
	require.Equal(t, 1, executor.callCount("s1"))
	require.Equal(t, 1, executor.callCount("s2"))
	pool.Stop(time.Second)
}

// TestPoolRevisionBoundExceededFails keeps returning needs_revision
// verdicts (via a schema that every read_files step violates) until the
// job's revision bound is exceeded and it fails terminally.
func TestPoolRevisionBoundExceededFails(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "do something risky", MaxAttempts: 3})
	require.NoError(t, err)

	// A schema lookup that always reports the step's parameters missing a
	// required field drives every evaluation to needs_revision (a malformed
	// step is the planner's problem, not a human's), regardless of the
	// step's own action classification.
	engine := policy.New(policy.Options{
		Schema: func(_ string, _ string) ([]byte, bool) {
			return []byte(`{"type":"object","required":["missing"]}`), true
		},
	})

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(nil)
	audit := &fakeAudit{}

	const maxRevisions = 2
	pool := job.NewPool(s, engine, planner, &fakeApprover{}, executor, audit, nil, nil, 1, maxRevisions, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	final := waitForStatus(t, s, j.ID, job.StatusFailed, 2*time.Second)
	require.NotNil(t, final.Error)
	require.Equal(t, errs.Validation.String(), final.Error.Kind)
	require.Greater(t, final.RevisionCount, maxRevisions-1)
}

// TestPoolRetriableStepFailureRetriesInPlace exercises the fix requiring a
// retriable ExecuteStep failure to be retried within the same drive call
// rather than parking the job in executing for crash recovery: the
// executor fails twice with an Upstream error, then succeeds, and the job
// still completes without any external recovery pass.
func TestPoolRetriableStepFailureRetriesInPlace(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read a flaky file", MaxAttempts: 5})
	require.NoError(t, err)

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(map[string]*stepOutcome{
		"s1": {failTimes: 2, failErr: errs.Newf(errs.Upstream, "gear upstream unavailable")},
	})
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, &fakeApprover{}, executor, audit, nil, nil, 1, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	final := waitForStatus(t, s, j.ID, job.StatusCompleted, 3*time.Second)
	require.Equal(t, 3, executor.callCount("s1"), "expected two retriable failures then a success, all within one drive")
	require.Equal(t, 2, final.Attempts, "attempts should be bumped once per retry, persisted before the retry sleep")
}

// TestPoolRetriableStepFailureExhaustsAttemptsFails exercises the same
// retry-in-place path but where the failure never clears before
// MaxAttempts is reached, terminalizing the job instead of looping
// forever.
func TestPoolRetriableStepFailureExhaustsAttemptsFails(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read a very flaky file", MaxAttempts: 2})
	require.NoError(t, err)

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(map[string]*stepOutcome{
		"s1": {failTimes: 100, failErr: errs.Newf(errs.Upstream, "gear upstream unavailable")},
	})
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, &fakeApprover{}, executor, audit, nil, nil, 1, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	final := waitForStatus(t, s, j.ID, job.StatusFailed, 3*time.Second)
	require.Equal(t, errs.Upstream.String(), final.Error.Kind)
	require.Equal(t, 2, final.Attempts)
}

// TestPoolTimeoutStepFailureFollowsJobRetryPolicy exercises the fix
// requiring a step-level Timeout to still be retried per the job's own
// retry policy: the executor reports a Timeout once, then succeeds, and
// the job completes rather than failing immediately on the first timeout.
func TestPoolTimeoutStepFailureFollowsJobRetryPolicy(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read a slow file", MaxAttempts: 3})
	require.NoError(t, err)

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(map[string]*stepOutcome{
		"s1": {failTimes: 1, failErr: errs.Newf(errs.Timeout, "gear timed out")},
	})
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, &fakeApprover{}, executor, audit, nil, nil, 1, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	final := waitForStatus(t, s, j.ID, job.StatusCompleted, 3*time.Second)
	require.Equal(t, 2, executor.callCount("s1"))
	require.Equal(t, 1, final.Attempts)
}

// TestPoolCancelJobStopsDriveMidExecution confirms CancelJob trips the
// in-flight cancellation token of a job stuck retrying in executing, and
// that the job then reaches the terminal cancelled status.
func TestPoolCancelJobStopsDriveMidExecution(t *testing.T) {
	s := newWorkerTestScheduler(t)
	ctx := context.Background()

	j, _, err := s.CreateJob(ctx, job.CreateOptions{Source: job.SourceUser, UserID: "u1", Content: "read a file", MaxAttempts: 50})
	require.NoError(t, err)

	planner := &fakePlanner{plans: []policy.RawPlan{{ID: "plan-1", JobID: j.ID, Steps: []policy.RawStep{readOnlyStep("s1")}}}}
	executor := newFakeExecutor(map[string]*stepOutcome{
		"s1": {failTimes: 1000, failErr: errs.Newf(errs.Upstream, "gear upstream unavailable")},
	})
	audit := &fakeAudit{}

	pool := job.NewPool(s, newTestEngine(), planner, &fakeApprover{}, executor, audit, nil, nil, 1, 3, 3)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)
	defer pool.Stop(time.Second)

	waitForStatus(t, s, j.ID, job.StatusExecuting, 2*time.Second)
	require.NoError(t, pool.CancelJob(ctx, j.ID))
	waitForStatus(t, s, j.ID, job.StatusCancelled, 2*time.Second)
}
