// Package runtime is the root orchestrator of §4.7: it owns the
// storage handle, wires every component's collaborators together through
// the small interfaces job defines, and drives the ordered startup and
// shutdown sequence. Construction builds every collaborator; Start runs
// the fixed set of core collaborators (scheduler, policy engine, sandbox
// host, approval endpoint, audit log, maintenance runner) plus the
// external interfaces (planner, bridge, journal, secrets) that §6
// treats as opaque.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-run/meridian/approval"
	"github.com/meridian-run/meridian/audit"
	"github.com/meridian-run/meridian/bridge"
	"github.com/meridian-run/meridian/bus"
	"github.com/meridian-run/meridian/config"
	"github.com/meridian-run/meridian/gear"
	"github.com/meridian-run/meridian/job"
	"github.com/meridian-run/meridian/journal"
	"github.com/meridian-run/meridian/maintenance"
	"github.com/meridian-run/meridian/policy"
	"github.com/meridian-run/meridian/sandbox"
	"github.com/meridian-run/meridian/secrets"
	"github.com/meridian-run/meridian/storage"
	"github.com/meridian-run/meridian/telemetry"
)

// Options configures a Runtime. Config drives every in-process collaborator
// (storage paths, worker count, policy thresholds, sandbox mode); the
// remaining fields are collaborators the orchestrator cannot construct on
// its own because they reach outside the process (an LLM API client, a
// Redis connection, a Mongo-backed journal, a provisioned secrets store).
type Options struct {
	Config  config.Config
	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// Planner answers plan.request. A nil Planner is only safe for a
	// Runtime that never reaches the planning phase (e.g. some tests).
	Planner job.Planner

	// Redis, if set, backs both the approval cache and the bridge's
	// job-status stream. Nil disables both (approval still works; status
	// fan-out does not).
	Redis *redis.Client

	// Journal, if set, is registered on the bus under "journal" so
	// components can send journal.store/journal.query messages.
	Journal *journal.Store

	// Secrets, if set, is closed (key material zeroed) on Stop.
	Secrets *secrets.Vault

	// BridgeStatusStreamMaxLen bounds the Pulse status stream's
	// approximate length; zero uses bridge's own default.
	BridgeStatusStreamMaxLen int
}

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateRunning
	stateStopped
)

// Runtime wires and drives every core and external-interface collaborator.
// Exported fields are the constructed collaborators, available to callers
// (e.g. cmd/meridiand) that need to reach them directly — a bridge HTTP
// handler needs Bridge, an operator CLI needs Partitions, and so on.
type Runtime struct {
	cfg     config.Config
	logger  telemetry.Logger
	metrics telemetry.Metrics

	DB          *storage.DB
	Bus         *bus.Bus
	Scheduler   *job.Scheduler
	Pool        *job.Pool
	Policy      *policy.Engine
	Gears       *gear.Registry
	Sandbox     *sandbox.Host
	Nonces      *approval.NonceStore
	Cache       *approval.Cache
	Approval    *approval.Endpoint
	Partitions  *audit.Partitions
	Maintenance *maintenance.Runner
	Journal     *journal.Store
	Secrets     *secrets.Vault
	Bridge      *bridge.Service
	StatusPub   *bridge.StatusPublisher

	mu           sync.Mutex
	state        lifecycleState
	live         bool
	ready        bool
	lastRecovery job.RecoveryResult

	workerCancel context.CancelFunc
}

// New builds every collaborator: opens storage and runs migrations
// (§4.7 phase 1), then constructs the scheduler, gear registry (restoring
// sticky disables), policy engine, sandbox host, approval machinery, audit
// partitions, maintenance runner, and the external-interface adapters
// supplied via opts. The returned Runtime has not started its worker pool
// or accepted bus registrations yet — call Start for that.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	logger, metrics := opts.Logger, opts.Metrics
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	cfg := opts.Config

	db, err := storage.Open(filepath.Join(cfg.DataDir, "meridian.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runtime: migrate storage: %w", err)
	}

	gears := gear.New(db)
	if err := gears.LoadDisabled(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runtime: load disabled gears: %w", err)
	}

	engine := policy.New(policy.Options{
		WorkspacePath:           cfg.WorkspacePath,
		AllowlistedDomains:      cfg.AllowlistedDomains,
		MaxTransactionAmountUSD: cfg.MaxTransactionAmountUSD,
		Overrides:               cfg.UserPolicies,
		Schema:                  gears.ActionSchema,
		CredentialDeclared:      credentialDeclared(gears),
		Logger:                  logger,
	})

	sandboxVersion := sandbox.SignatureV2
	if cfg.SandboxMode == config.SandboxModeV1 {
		sandboxVersion = sandbox.SignatureV1
	}
	host := sandbox.New(sandbox.Options{
		Lookup:  gears.Lookup,
		Disable: gears.Disable,
		Logger:  logger,
		Metrics: metrics,
		Version: sandboxVersion,
	})

	sessionTTL := time.Duration(cfg.SessionDurationMs) * time.Millisecond
	nonces := approval.NewNonceStore(db, sessionTTL)

	var cache *approval.Cache
	if opts.Redis != nil {
		cache = approval.NewCache(opts.Redis)
	}

	scheduler := job.New(db, logger, metrics)
	partitions := audit.NewPartitions(cfg.DataDir, logger)
	recorder := &partitionRecorder{partitions: partitions}

	pool := job.NewPool(scheduler, engine, opts.Planner, nonces, host, recorder,
		logger, metrics, cfg.Workers, cfg.MaxRevisionCount, cfg.MaxReplan)

	approvalEndpoint := approval.NewEndpoint(nonces, cache, scheduler, pool)

	maintRunner := maintenance.New(nonces, db, partitions, logger, metrics, maintenance.DefaultIntervals())

	bridgeService := bridge.New(scheduler, approvalEndpoint)
	var statusPub *bridge.StatusPublisher
	if opts.Redis != nil {
		maxLen := opts.BridgeStatusStreamMaxLen
		statusPub, err = bridge.NewStatusPublisher(opts.Redis, maxLen)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runtime: open bridge status stream: %w", err)
		}
		scheduler.WithTransitionObserver(func(jobID string, status job.Status, jobErr *job.JobError) {
			go publishStatusEvent(logger, statusPub, jobID, status, jobErr)
		})
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		DB:          db,
		Bus:         bus.New(),
		Scheduler:   scheduler,
		Pool:        pool,
		Policy:      engine,
		Gears:       gears,
		Sandbox:     host,
		Nonces:      nonces,
		Cache:       cache,
		Approval:    approvalEndpoint,
		Partitions:  partitions,
		Maintenance: maintRunner,
		Journal:     opts.Journal,
		Secrets:     opts.Secrets,
		Bridge:      bridgeService,
		StatusPub:   statusPub,
		state:       stateNew,
	}, nil
}

// Start runs §4.7's remaining startup phases: crash recovery, start
// the worker pool and the maintenance runner, register built-in bus
// handlers, then mark the runtime ready. Calling Start twice without an
// intervening Stop is an error; calling it again after Stop is permitted.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateRunning {
		return fmt.Errorf("runtime: already started")
	}

	r.live = true
	recovery, err := r.Scheduler.RecoverNonTerminal(ctx)
	if err != nil {
		r.live = false
		return fmt.Errorf("runtime: crash recovery: %w", err)
	}
	r.lastRecovery = recovery
	r.logger.Info(ctx, "crash recovery complete", "non_terminal", recovery.NonTerminal, "reset", len(recovery.Reset))

	workerCtx, cancel := context.WithCancel(context.Background())
	r.workerCancel = cancel
	r.Pool.Start(workerCtx)
	if r.Maintenance != nil {
		r.Maintenance.Start(workerCtx)
	}

	if r.Journal != nil {
		r.Bus.Register(bus.ComponentID("journal"), journal.NewHandler(r.Journal))
	}

	r.ready = true
	r.state = stateRunning
	return nil
}

// Stop runs §4.7's shutdown in reverse order: stop accepting new work,
// trip every in-flight job's cancellation token, wait up to grace for
// workers to settle, unregister bus handlers, close storage, and zero any
// secrets key material. Stop is idempotent.
func (r *Runtime) Stop(grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return nil
	}

	r.ready = false
	if r.workerCancel != nil {
		r.workerCancel()
	}
	r.Pool.Stop(grace)
	if r.Maintenance != nil {
		r.Maintenance.Stop()
	}

	if r.Journal != nil {
		r.Bus.Unregister(bus.ComponentID("journal"))
	}

	var firstErr error
	if r.Secrets != nil {
		if err := r.Secrets.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("runtime: close secrets vault: %w", err)
		}
	}
	if err := r.Partitions.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("runtime: close audit partitions: %w", err)
	}
	if err := r.DB.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("runtime: close storage: %w", err)
	}

	r.live = false
	r.state = stateStopped
	return firstErr
}

// Live reports whether the process is not stopping, per §4.7's
// liveness definition.
func (r *Runtime) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Ready reports whether startup has completed.
func (r *Runtime) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// LastRecovery returns the most recent Start's crash-recovery result, for
// observability.
func (r *Runtime) LastRecovery() job.RecoveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRecovery
}

// credentialDeclared builds a policy.Options.CredentialDeclared function
// over a gear registry: a credential_usage step is only ever a candidate
// for auto-approval if the Gear's manifest declared that credential in its
// permissions (§3 Permissions.Secrets).
func credentialDeclared(gears *gear.Registry) func(gearID, credential string) bool {
	return func(gearID, credential string) bool {
		manifest, ok := gears.Lookup(gearID)
		if !ok {
			return false
		}
		for _, name := range manifest.Permissions.Secrets {
			if name == credential {
				return true
			}
		}
		return false
	}
}

// partitionRecorder adapts audit.Partitions into job.AuditRecorder,
// resolving the current month's partition on every write so a long-lived
// worker pool rolls onto a new partition file at the month boundary
// without restarting (§4.9 "roll audit partition at month boundary").
type partitionRecorder struct {
	partitions *audit.Partitions
}

func (p *partitionRecorder) Record(ctx context.Context, event job.AuditEvent) error {
	log, err := p.partitions.Current(time.Now())
	if err != nil {
		return err
	}
	return log.Record(ctx, event)
}

// publishStatusEvent is the job.TransitionObserver the bridge's Pulse
// status stream is driven by. It runs on its own goroutine (scheduler
// transitions must not block on Redis I/O) with a bounded timeout, and
// logs rather than propagates publish failures since a dropped status
// event does not affect the job itself.
func publishStatusEvent(logger telemetry.Logger, pub *bridge.StatusPublisher, jobID string, status job.Status, jobErr *job.JobError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := bridge.StatusEvent{JobID: jobID, Status: string(status), Timestamp: time.Now(), Error: jobErr}
	if _, err := pub.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "failed to publish job status event", "job_id", jobID, "status", status, "error", err)
	}
}
