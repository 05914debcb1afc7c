package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/policy"
	"github.com/meridian-run/meridian/storage"
	"github.com/meridian-run/meridian/telemetry"
)

// TransitionObserver is notified after a job's status has durably changed.
// It exists so an external subscriber (the bridge's Pulse status stream)
// can publish every transition without every status-changing call site
// threading that concern through; it runs synchronously on the caller's
// goroutine after the write commits, so implementations that perform I/O
// should do it asynchronously themselves.
type TransitionObserver func(jobID string, status Status, jobErr *JobError)

// Scheduler implements §4.2's operations against a storage.DB holding
// the `jobs` table. It owns job rows exclusively; no other package writes
// to them.
type Scheduler struct {
	db       *storage.DB
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	clock    func() time.Time
	observer TransitionObserver
}

// New builds a Scheduler backed by db. clock defaults to time.Now; tests
// may inject a fixed clock to make dedup-window boundary behavior
// deterministic.
func New(db *storage.DB, logger telemetry.Logger, metrics telemetry.Metrics) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Scheduler{db: db, logger: logger, metrics: metrics, clock: time.Now}
}

// WithTransitionObserver registers a hook invoked after every successful
// Transition/CancelJob. Returns the Scheduler for chaining.
func (s *Scheduler) WithTransitionObserver(observer TransitionObserver) *Scheduler {
	s.observer = observer
	return s
}

// WithClock overrides the scheduler's time source, for deterministic
// dedup-window boundary tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// CreateJob inserts a new pending row. If opts.DedupWindowMs > 0, a dedup
// hash is computed and insertion contends on the partial unique index
// (storage/migrations.go's idx_jobs_dedup_active): on conflict, the
// existing non-terminal job's id is returned instead of inserting a
// duplicate row.
func (s *Scheduler) CreateJob(ctx context.Context, opts CreateOptions) (*Job, bool, error) {
	now := s.clock()
	var dedupHash *string
	if opts.DedupWindowMs > 0 {
		h := ComputeDedupHash(opts.UserID, opts.Content, now.UnixMilli(), opts.DedupWindowMs)
		dedupHash = &h
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	j := &Job{
		ID:              uuid.NewString(),
		Status:          StatusPending,
		Priority:        priority,
		Source:          opts.Source,
		CreatedAt:       now,
		UpdatedAt:       now,
		Attempts:        0,
		MaxAttempts:     maxAttempts,
		TimeoutMs:       opts.TimeoutMs,
		DedupHash:       dedupHash,
		ParentID:        opts.ParentID,
		ConversationID:  opts.ConversationID,
		SourceMessageID: opts.SourceMessageID,
		Metadata:        opts.Metadata,
	}

	if err := s.insert(ctx, j); err != nil {
		var conflict *storage.ConflictError
		if errors.As(err, &conflict) && dedupHash != nil {
			existing, ferr := s.FindDuplicate(ctx, *dedupHash)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing == nil {
				// The racing row reached a terminal state between our insert
				// attempt and this lookup; retry the insert once.
				if rerr := s.insert(ctx, j); rerr == nil {
					return j, false, nil
				}
				return nil, false, errs.Wrap(errs.Conflict, err, "create job: dedup race")
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	return j, false, nil
}

func (s *Scheduler) insert(ctx context.Context, j *Job) error {
	metadataJSON, err := marshalOrNil(j.Metadata)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "marshal metadata")
	}
	_, err = storage.Run(ctx, s.db, `
		INSERT INTO jobs (
			id, status, priority, source, created_at, updated_at, completed_at,
			worker_id, attempts, max_attempts, timeout_ms, plan, validation,
			result, error, revision_count, replan_count, dedup_hash, parent_id,
			conversation_id, source_message_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, NULL, NULL, NULL, NULL, 0, 0, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Status), string(j.Priority), string(j.Source),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
		j.Attempts, j.MaxAttempts, j.TimeoutMs,
		j.DedupHash, j.ParentID, j.ConversationID, j.SourceMessageID, metadataJSON,
	)
	return err
}

// FindDuplicate returns any non-terminal job with dedupHash, or nil if none
// exists.
func (s *Scheduler) FindDuplicate(ctx context.Context, dedupHash string) (*Job, error) {
	rows, err := storage.Query(ctx, s.db, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedup_hash = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		LIMIT 1`, dedupHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanJob(rows)
}

// Get fetches a job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*Job, error) {
	rows, err := storage.Query(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errs.Newf(errs.NotFound, "job %q not found", id)
	}
	return scanJob(rows)
}

// Transition performs the conditional update `WHERE id=? AND status=from`.
// Zero affected rows means a concurrent modification raced this call, and
// is surfaced as a ConflictError (§4.2). A from → to pair that is not in
// the allowed-transition table (see CanTransition) is rejected with a
// Conflict error before any row is touched; from == to updates only the
// patched fields (the worker uses it to persist its attempts count).
// Fields supplied in patch are applied atomically with the status change.
func (s *Scheduler) Transition(ctx context.Context, id string, from, to Status, patch Patch) error {
	if from != to && !CanTransition(from, to) {
		return errs.Newf(errs.Conflict, "transition %s → %s is not allowed", from, to)
	}
	now := s.clock()
	setClauses, args := patch.buildSet(to, now)
	args = append(args, id, string(from))

	res, err := storage.Run(ctx,
		s.db,
		"UPDATE jobs SET "+setClauses+" WHERE id = ? AND status = ?",
		args...,
	)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return errs.Newf(errs.Conflict, "transition %s: job %q not in expected state %q", to, id, from)
	}
	if s.observer != nil {
		s.observer(id, to, patch.Error)
	}
	return nil
}

// CancelJob transitions id from any non-terminal state to cancelled,
// setting completed_at. Unlike Transition, it does not require knowing the
// current status.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	now := s.clock()
	res, err := storage.Run(ctx, s.db, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?, worker_id = NULL
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(StatusCancelled), now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return errs.Newf(errs.Conflict, "cancel job %q: already terminal or not found", id)
	}
	if s.observer != nil {
		s.observer(id, StatusCancelled, nil)
	}
	return nil
}

// Claim atomically selects up to limit pending rows ordered by
// `priority DESC, created_at ASC`, updates them to planning with workerID,
// and returns the claimed rows.
func (s *Scheduler) Claim(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	var claimed []*Job
	err := storage.Transaction(ctx, s.db, func(ctx context.Context, tx *storage.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY
				CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END ASC,
				created_at ASC
			LIMIT ?`, string(StatusPending), limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		now := s.clock()
		for _, id := range ids {
			res, err := tx.Exec(ctx, `
				UPDATE jobs SET status = ?, worker_id = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				string(StatusPlanning), workerID, now.UnixMilli(), id, string(StatusPending))
			if err != nil {
				return err
			}
			if res.Changes == 0 {
				continue // raced another claimer; skip
			}
			rowsOut, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
			if err != nil {
				return err
			}
			if rowsOut.Next() {
				j, serr := scanJob(rowsOut)
				rowsOut.Close()
				if serr != nil {
					return serr
				}
				claimed = append(claimed, j)
			} else {
				rowsOut.Close()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecoveryResult reports the outcome of crash recovery (§4.7 phase 2).
type RecoveryResult struct {
	NonTerminal int
	Reset       []string
}

// RecoverNonTerminal scans for non-terminal rows. Rows in
// {planning, validating, executing} have worker_id cleared and are reset
// to pending. Rows in awaiting_approval are preserved unchanged (§9
// Open Question: "source preserves it; specification follows source").
func (s *Scheduler) RecoverNonTerminal(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult
	err := storage.Transaction(ctx, s.db, func(ctx context.Context, tx *storage.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, status FROM jobs
			WHERE status NOT IN ('completed', 'failed', 'cancelled')`)
		if err != nil {
			return err
		}
		type row struct{ id, status string }
		var all []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.status); err != nil {
				rows.Close()
				return err
			}
			all = append(all, r)
		}
		rows.Close()
		result.NonTerminal = len(all)

		now := s.clock()
		for _, r := range all {
			if Status(r.status) == StatusAwaitingApproval {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE jobs SET status = ?, worker_id = NULL, updated_at = ?
				WHERE id = ?`, string(StatusPending), now.UnixMilli(), r.id); err != nil {
				return err
			}
			result.Reset = append(result.Reset, r.id)
		}
		return nil
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	return result, nil
}

const jobColumns = `
	id, status, priority, source, created_at, updated_at, completed_at,
	worker_id, attempts, max_attempts, timeout_ms, plan, validation,
	result, error, revision_count, replan_count, dedup_hash, parent_id,
	conversation_id, source_message_id, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                                                  Job
		createdAt, updatedAt                                int64
		completedAt                                         sql.NullInt64
		workerID, dedupHash, parentID, convID, srcMsgID     sql.NullString
		timeoutMs                                           sql.NullInt64
		planJSON, validationJSON, resultJSON, errJSON, metaJSON sql.NullString
	)
	if err := r.Scan(
		&j.ID, &j.Status, &j.Priority, &j.Source, &createdAt, &updatedAt, &completedAt,
		&workerID, &j.Attempts, &j.MaxAttempts, &timeoutMs, &planJSON, &validationJSON,
		&resultJSON, &errJSON, &j.RevisionCount, &j.ReplanCount, &dedupHash, &parentID,
		&convID, &srcMsgID, &metaJSON,
	); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "scan job row")
	}

	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		j.CompletedAt = &t
	}
	if workerID.Valid {
		j.WorkerID = &workerID.String
	}
	if timeoutMs.Valid {
		j.TimeoutMs = &timeoutMs.Int64
	}
	if dedupHash.Valid {
		j.DedupHash = &dedupHash.String
	}
	if parentID.Valid {
		j.ParentID = &parentID.String
	}
	if convID.Valid {
		j.ConversationID = &convID.String
	}
	if srcMsgID.Valid {
		j.SourceMessageID = &srcMsgID.String
	}
	if planJSON.Valid {
		var p policy.RawPlan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal plan")
		}
		j.Plan = &p
	}
	if validationJSON.Valid {
		var v policy.ValidationResult
		if err := json.Unmarshal([]byte(validationJSON.String), &v); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal validation")
		}
		j.Validation = &v
	}
	if resultJSON.Valid {
		j.Result = json.RawMessage(resultJSON.String)
	}
	if errJSON.Valid {
		var e JobError
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal error")
		}
		j.Error = &e
	}
	if metaJSON.Valid {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal metadata")
		}
		j.Metadata = m
	}
	return &j, nil
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
