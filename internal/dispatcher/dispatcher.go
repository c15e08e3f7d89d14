// Package dispatcher implements the Call Queue Engine's worker pool (C6):
// it pulls ready jobs out of the C1 State Store, acquires a rate-limit
// token from C2 for each one, and launches a Call Supervisor (C5) to run
// it to completion. Two background loops round out the component: a
// scheduled-call promoter and a stuck-call sweeper, both plain
// fixed-interval time.Ticker loops.
//
// The worker pool itself is adapted from the ncobase-ncore pack's
// concurrency/worker.Pool: a fixed goroutine count draining a buffered
// channel, generalized here so the unit of work is a call id pulled from
// Redis instead of an arbitrary in-memory task.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telecom-platform/internal/audit"
	"telecom-platform/internal/backend"
	"telecom-platform/internal/callqueue"
	"telecom-platform/internal/ratelimit"
)

// stuckThreshold is how long an active job's last observable state update
// may go stale before the sweeper considers its Supervisor hung, on top
// of the hard deadline. Not exposed as a config option; it is an internal
// safety margin, not a tunable dispatch policy.
const stuckThreshold = 60 * time.Second

// Config holds the Dispatcher's own tunables (spec's queue_workers,
// max_concurrent_calls, hard_deadline_seconds), independent of the
// Supervisor's own timing config.
type Config struct {
	Workers            int
	QueueSize          int
	MaxConcurrentCalls int
	PollInterval       time.Duration
	PromoterInterval   time.Duration
	SweeperInterval    time.Duration
	HardDeadline       time.Duration
}

// Dispatcher owns the worker pool and the two background loops. It holds
// no per-call state: every decision is re-derived from the Store on each
// tick, so a crash and restart picks up exactly where the Store left off.
type Dispatcher struct {
	store   callqueue.Store
	limiter ratelimit.Limiter
	launch  func(ctx context.Context, id string)
	sink    backend.Sink
	audit   *audit.Service
	cfg     Config
	now     func() time.Time
	log     *slog.Logger

	pool *pool
}

// New builds a Dispatcher. launch is invoked once per popped job id — in
// production this is a *supervisor.Supervisor's Run method; tests pass a
// stand-in to observe dispatch decisions without running a real call.
// sink may be nil; the sweeper then force-completes the State Store record
// without attempting backend delivery (used in tests with no live sink).
func New(store callqueue.Store, limiter ratelimit.Limiter, launch func(ctx context.Context, id string), sink backend.Sink, auditSvc *audit.Service, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.PromoterInterval <= 0 {
		cfg.PromoterInterval = time.Second
	}
	if cfg.SweeperInterval <= 0 {
		cfg.SweeperInterval = 30 * time.Second
	}
	if cfg.HardDeadline <= 0 {
		cfg.HardDeadline = 5 * time.Minute
	}
	return &Dispatcher{
		store:   store,
		limiter: limiter,
		launch:  launch,
		sink:    sink,
		audit:   auditSvc,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

// Run starts the worker pool and both background loops, and blocks until
// ctx is cancelled. On cancellation, popping stops immediately; in-flight
// Supervisor goroutines keep running (they carry their own context) until
// the caller's own shutdown timeout expires.
func (d *Dispatcher) Run(ctx context.Context) {
	d.pool = newPool(ctx, d.cfg.Workers, d.cfg.QueueSize, d.launch)
	d.pool.start()

	go d.runPromoter(ctx)
	go d.runSweeper(ctx)
	d.runDispatchLoop(ctx)

	d.pool.stop(context.Background())
}

// runDispatchLoop pops as many ready ids as there is spare active-set
// capacity for, acquiring one rate-limit token per id before handing it
// to the worker pool.
func (d *Dispatcher) runDispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchReady(ctx)
		}
	}
}

func (d *Dispatcher) dispatchReady(ctx context.Context) {
	// A Metrics-based precheck is only a fast-path to skip the round trip
	// when this process's own last-seen view is already full; it is not
	// what enforces the ceiling. PopReady re-checks the active set's real
	// size atomically, so multiple dispatcher processes sharing one Store
	// never collectively pop past MaxConcurrentCalls between them.
	metrics, err := d.store.Metrics(ctx)
	if err != nil {
		d.log.Error("dispatcher: metrics query failed", "err", err)
		return
	}
	if metrics.Active >= d.cfg.MaxConcurrentCalls {
		return
	}

	ids, err := d.store.PopReady(ctx, d.cfg.QueueSize, d.cfg.MaxConcurrentCalls)
	if err != nil {
		d.log.Error("dispatcher: pop_ready failed", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	// pop_ready is trusted to enforce the active-set ceiling atomically
	// against the Store; this re-check exists only to catch the Store
	// itself breaking that guarantee (a corrupted active-set index, a
	// second Store implementation with a bug). If it ever fires, the
	// popped jobs cannot be trusted to run within capacity, so they are
	// failed outright rather than dispatched.
	if after, merr := d.store.Metrics(ctx); merr == nil && after.Active > d.cfg.MaxConcurrentCalls {
		d.log.Error("dispatcher: invariant breach: active set exceeds max_concurrent_calls after pop_ready", "active", after.Active, "max", d.cfg.MaxConcurrentCalls)
		for _, id := range ids {
			d.forceInvariantFailure(ctx, id, "active set exceeded max_concurrent_calls after pop_ready")
		}
		return
	}

	for i, id := range ids {
		if err := d.limiter.Acquire(ctx); err != nil {
			// ctx cancelled mid-drain: release this and every later popped
			// slot back to Pending so no job is silently dropped, then stop
			// for this tick.
			for _, rest := range ids[i:] {
				d.reenqueueUnstarted(ctx, rest)
			}
			return
		}
		if err := d.pool.submit(id); err != nil {
			d.log.Error("dispatcher: worker pool full, deferring", "id", id, "err", err)
			d.reenqueueUnstarted(ctx, id)
			continue
		}
	}
}

// reenqueueUnstarted returns an id popped into the active set back to
// Pending without having launched a Supervisor for it, so a full pool or
// a shutdown mid-drain never loses a job.
func (d *Dispatcher) reenqueueUnstarted(ctx context.Context, id string) {
	if err := d.store.Release(ctx, id); err != nil && !errors.Is(err, callqueue.ErrNotFound) {
		d.log.Error("dispatcher: failed to release deferred job", "id", id, "err", err)
		return
	}
	// PopReady already marked the job Dispatching; Enqueue requires
	// Pending, so it must be reset before the job can be requeued.
	pending := callqueue.StatusPending
	if _, err := d.store.Update(ctx, id, callqueue.Patch{Status: &pending}); err != nil {
		d.log.Error("dispatcher: failed to reset deferred job to pending", "id", id, "err", err)
		return
	}
	if err := d.store.Enqueue(ctx, id); err != nil {
		d.log.Error("dispatcher: failed to re-enqueue deferred job", "id", id, "err", err)
	}
}

func (d *Dispatcher) runPromoter(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PromoterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := d.store.PromoteDue(ctx, d.now())
			if err != nil {
				d.log.Error("dispatcher: promote_due failed", "err", err)
				continue
			}
			for _, id := range ids {
				if err := d.store.Enqueue(ctx, id); err != nil {
					d.log.Error("dispatcher: enqueue after promote failed", "id", id, "err", err)
				}
			}
		}
	}
}

// runSweeper is the second line of defense behind the Supervisor's own
// stuck-call check: it force-completes any active job whose owning
// Supervisor has been alive longer than the hard deadline and whose last
// observable update is older than stuckThreshold, covering the case where
// the Supervisor goroutine itself crashed or hung.
func (d *Dispatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweeperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	now := d.now()
	var stuck []callqueue.CallJob

	err := d.store.ScanActive(ctx, func(job callqueue.CallJob) bool {
		if job.Status.Terminal() {
			return true
		}
		if job.StartedAt == nil || now.Sub(*job.StartedAt) < d.cfg.HardDeadline {
			return true
		}
		if now.Sub(job.UpdatedAt) < stuckThreshold {
			return true
		}
		stuck = append(stuck, job)
		return true
	})
	if err != nil {
		d.log.Error("dispatcher: scan_active failed", "err", err)
		return
	}

	for _, job := range stuck {
		d.forceComplete(ctx, job)
	}
}

// forceInvariantFailure fails id outright after an internal invariant
// breach, per SPEC_FULL.md's error taxonomy: log at critical severity,
// mark the job Failed with hangup_cause=internal_error, and continue —
// never blocking the dispatch loop on a single corrupted job.
func (d *Dispatcher) forceInvariantFailure(ctx context.Context, id, detail string) {
	if d.audit != nil {
		if err := d.audit.LogInvariantBreach(ctx, id, detail); err != nil {
			d.log.Warn("dispatcher: audit log failed", "id", id, "err", err)
		}
	}

	status := callqueue.StatusFailed
	result := callqueue.CallResult{
		CallID:      id,
		Status:      status,
		CallOutcome: callqueue.OutcomeFailed,
		HangupCause: "internal_error",
		DataSource:  callqueue.DataSourceSupervisorSynth,
		ReportedAt:  d.now(),
	}

	if d.sink != nil {
		deliverErr := d.sink.Deliver(ctx, result)
		result.ReportedOK = deliverErr == nil
		if deliverErr != nil {
			d.log.Warn("dispatcher: invariant-failure delivery failed, persisting for reconciliation", "id", id, "err", deliverErr)
		}
	}

	completedAt := d.now()
	if _, err := d.store.Update(ctx, id, callqueue.Patch{
		Status:      &status,
		CompletedAt: &completedAt,
		Result:      &result,
	}); err != nil && !errors.Is(err, callqueue.ErrTerminal) {
		d.log.Error("dispatcher: invariant-failure update failed", "id", id, "err", err)
	}
	if err := d.store.Release(ctx, id); err != nil && !errors.Is(err, callqueue.ErrNotFound) {
		d.log.Error("dispatcher: invariant-failure release failed", "id", id, "err", err)
	}
}

func (d *Dispatcher) forceComplete(ctx context.Context, job callqueue.CallJob) {
	status := callqueue.StatusMissed
	result := callqueue.CallResult{
		CallID:      job.ID,
		Status:      status,
		CallOutcome: callqueue.OutcomeMissed,
		HangupCause: "no_answer_timeout",
		DataSource:  callqueue.DataSourceSupervisorSynth,
		ReportedAt:  d.now(),
	}

	if d.sink != nil {
		deliverErr := d.sink.Deliver(ctx, result)
		result.ReportedOK = deliverErr == nil
		if deliverErr != nil {
			d.log.Warn("dispatcher: sweeper delivery failed, persisting for reconciliation", "id", job.ID, "err", deliverErr)
		}
	}

	completedAt := d.now()
	_, err := d.store.Update(ctx, job.ID, callqueue.Patch{
		Status:      &status,
		CompletedAt: &completedAt,
		Result:      &result,
	})
	if err != nil && !errors.Is(err, callqueue.ErrTerminal) {
		d.log.Error("dispatcher: sweeper force-complete failed", "id", job.ID, "err", err)
		return
	}
	if err := d.store.Release(ctx, job.ID); err != nil {
		d.log.Error("dispatcher: sweeper release failed", "id", job.ID, "err", err)
	}
	if d.audit != nil {
		if err := d.audit.LogSweeperForced(ctx, job.ID); err != nil {
			d.log.Warn("dispatcher: audit log failed", "id", job.ID, "err", err)
		}
	}
	d.log.Warn("dispatcher: sweeper force-completed stuck job", "id", job.ID, "started_at", job.StartedAt)
}
