// Package maintenance implements §4.9's periodic pruning tasks:
// expiring nonces past their expiry, clearing elapsed dedup fingerprints,
// and rolling the audit log to the next month's partition. Approval-cache
// entries are not swept here; they expire through the Redis TTL that
// approval.Cache.Set applies. The background ticker loop uses one ticker per
// task, a done channel for shutdown, telemetry logging
// around each run.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-run/meridian/audit"
	"github.com/meridian-run/meridian/storage"
	"github.com/meridian-run/meridian/telemetry"
)

// NonceExpirer is satisfied by approval.NonceStore.
type NonceExpirer interface {
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Intervals configures how often each maintenance task runs. A zero
// interval disables that task.
type Intervals struct {
	NonceExpiry   time.Duration
	DedupPrune    time.Duration
	PartitionRoll time.Duration
}

// DefaultIntervals mirrors what a production deployment would reasonably
// default to: nonces and dedup hashes checked every few minutes, partition
// roll checked hourly (it is a no-op except right after a month boundary).
func DefaultIntervals() Intervals {
	return Intervals{
		NonceExpiry:   5 * time.Minute,
		DedupPrune:    10 * time.Minute,
		PartitionRoll: time.Hour,
	}
}

// Runner drives the periodic maintenance tasks for as long as its context
// stays alive.
type Runner struct {
	nonces     NonceExpirer
	jobsDB     *storage.DB
	partitions *audit.Partitions
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	intervals  Intervals
	now        func() time.Time

	wg sync.WaitGroup
}

// New builds a maintenance Runner. jobsDB is the `meridian` database
// (holding the jobs table, for dedup-hash clearing); partitions manages the
// monthly audit databases. logger/metrics may be nil (defaults to noop).
func New(nonces NonceExpirer, jobsDB *storage.DB, partitions *audit.Partitions, logger telemetry.Logger, metrics telemetry.Metrics, intervals Intervals) *Runner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Runner{
		nonces: nonces, jobsDB: jobsDB, partitions: partitions,
		logger: logger, metrics: metrics, intervals: intervals,
		now: time.Now,
	}
}

// WithClock overrides the time source used for cutoff computation; tests
// use this to make expiry deterministic.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Start launches one goroutine per configured interval. Each stops when ctx
// is cancelled; Stop blocks until all have returned.
func (r *Runner) Start(ctx context.Context) {
	if r.intervals.NonceExpiry > 0 {
		r.loop(ctx, "nonce_expiry", r.intervals.NonceExpiry, r.pruneNonces)
	}
	if r.intervals.DedupPrune > 0 {
		r.loop(ctx, "dedup_prune", r.intervals.DedupPrune, r.pruneDedupHashes)
	}
	if r.intervals.PartitionRoll > 0 {
		r.loop(ctx, "partition_roll", r.intervals.PartitionRoll, r.rollPartition)
	}
}

// Stop waits for every maintenance loop goroutine to exit.
func (r *Runner) Stop() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, task string, interval time.Duration, run func(context.Context) (int64, error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx, task, run)
			}
		}
	}()
}

func (r *Runner) runOnce(ctx context.Context, task string, run func(context.Context) (int64, error)) {
	start := r.now()
	affected, err := run(ctx)
	if err != nil {
		r.logger.Error(ctx, "maintenance task failed", "task", task, "error", err)
		r.metrics.IncCounter("maintenance.task.error", 1, "task:"+task)
		return
	}
	r.logger.Info(ctx, "maintenance task completed", "task", task, "affected", affected, "duration_ms", time.Since(start).Milliseconds())
	r.metrics.IncCounter("maintenance.task.ok", 1, "task:"+task)
}

// PruneNoncesNow runs the nonce-expiry task once, synchronously. Exported
// for callers (and tests) that want an on-demand sweep outside the ticker
// loop, e.g. during shutdown.
func (r *Runner) PruneNoncesNow(ctx context.Context) (int64, error) {
	return r.pruneNonces(ctx)
}

// PruneDedupHashesNow runs the dedup-hash-clearing task once, synchronously.
func (r *Runner) PruneDedupHashesNow(ctx context.Context) (int64, error) {
	return r.pruneDedupHashes(ctx)
}

// RollPartitionNow runs the partition-roll task once, synchronously.
func (r *Runner) RollPartitionNow(ctx context.Context) (int64, error) {
	return r.rollPartition(ctx)
}

// pruneNonces expires approval nonces past their expiry, per §4.9's
// "expire sessions and nonces past expires_at" — this module's only
// session-like durable record is the approval nonce (no separate session
// table exists), so that is what this task clears.
func (r *Runner) pruneNonces(ctx context.Context) (int64, error) {
	if r.nonces == nil {
		return 0, nil
	}
	return r.nonces.ExpireBefore(ctx, r.now())
}

// pruneDedupHashes clears dedup_hash on terminal job rows whose dedup time
// quantum has fully elapsed. This is storage hygiene, not a correctness
// requirement: the dedup unique index (idx_jobs_dedup_active) already
// scopes itself to non-terminal rows, so a stale dedup_hash on a completed
// job can never collide with a new createJob call. Clearing it anyway
// keeps old terminal rows from carrying dead fingerprint data forever.
func (r *Runner) pruneDedupHashes(ctx context.Context) (int64, error) {
	if r.jobsDB == nil {
		return 0, nil
	}
	cutoffMs := r.now().Add(-dedupRetention).UnixMilli()
	var affected int64
	err := storage.Transaction(ctx, r.jobsDB, func(ctx context.Context, tx *storage.Tx) error {
		result, err := tx.Exec(ctx,
			`UPDATE jobs SET dedup_hash = NULL
			 WHERE dedup_hash IS NOT NULL
			   AND status IN ('completed', 'failed', 'cancelled')
			   AND updated_at < ?`, cutoffMs)
		if err != nil {
			return err
		}
		affected = result.Changes
		return nil
	})
	return affected, err
}

// dedupRetention is how long a terminal job's dedup fingerprint is kept
// around after completion before being cleared.
const dedupRetention = 24 * time.Hour

// rollPartition ensures the audit partition for the current month is open,
// which is all "rolling" means here: audit.Partitions.Current lazily opens
// (and migrates) a new monthly database the first time it is asked for one,
// so there is nothing to migrate off of the prior month — the prior
// partition is simply never written to again.
func (r *Runner) rollPartition(ctx context.Context) (int64, error) {
	if r.partitions == nil {
		return 0, nil
	}
	if _, err := r.partitions.Current(r.now()); err != nil {
		return 0, err
	}
	return 0, nil
}
