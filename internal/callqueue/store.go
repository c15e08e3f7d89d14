package callqueue

import (
	"context"
	"errors"
	"time"
)

// PutOutcome reports whether put() created a new record or found an
// existing one (idempotent enqueue, invariant 1 in SPEC_FULL.md §3.1).
type PutOutcome string

const (
	PutCreated PutOutcome = "created"
	PutExists  PutOutcome = "exists"
)

var (
	// ErrNotFound is returned when an operation names a job id the store
	// has no record of.
	ErrNotFound = errors.New("callqueue: job not found")
	// ErrTerminal is returned by update() when a patch would overwrite a
	// terminal status — a non-fatal, rejected write per invariant 2.
	ErrTerminal = errors.New("callqueue: job already in terminal state")
	// ErrNotPending is returned by enqueue() when the job is not in Pending.
	ErrNotPending = errors.New("callqueue: job is not pending")
	// ErrActiveFull names an active set at capacity. No Store method
	// returns it: PopReady caps what it moves at maxConcurrent and returns
	// fewer ids, or none, instead.
	ErrActiveFull = errors.New("callqueue: active set at capacity")
)

// Patch is a partial update merged into a CallJob record by update().
// Zero-value fields are left untouched except where a pointer or explicit
// "set" flag disambiguates absence from zero.
type Patch struct {
	Status      *Status
	RetryCount  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
	AppendAttempt *AttemptRecord
	Result      *CallResult
}

// Store is the C1 State Store contract: durable CallJob records plus the
// priority queues, scheduled index, and active set. Every method must be
// individually atomic with respect to concurrent callers; see
// SPEC_FULL.md §4.1.
type Store interface {
	// Put inserts a new job record, or leaves an existing one with the
	// same id untouched. Idempotent.
	Put(ctx context.Context, job CallJob) (PutOutcome, error)

	// Enqueue appends id to the priority queue for its current priority.
	// Precondition: the job exists and is Pending.
	Enqueue(ctx context.Context, id string) error

	// Schedule adds id to the scheduled index keyed by at, and marks the
	// job Scheduled.
	Schedule(ctx context.Context, id string, at time.Time) error

	// PopReady moves up to n ids into the active set, draining strictly
	// higher-priority queues first, and returns the moved ids. The Store
	// itself enforces maxConcurrent atomically against the active set's
	// current size, so multiple dispatcher processes sharing one Store
	// never push it over the ceiling between them.
	PopReady(ctx context.Context, n, maxConcurrent int) ([]string, error)

	// PromoteDue moves every scheduled id with at <= now out of the
	// scheduled index and marks it Pending, returning the promoted ids.
	// It does not itself push them onto a priority FIFO; the caller
	// enqueues each one explicitly via Enqueue.
	PromoteDue(ctx context.Context, now time.Time) ([]string, error)

	// Update merges patch into the job record. Rejects (ErrTerminal) any
	// write that would overwrite an already-terminal status.
	Update(ctx context.Context, id string, patch Patch) (CallJob, error)

	// Release removes id from the active set on terminal transition.
	Release(ctx context.Context, id string) error

	// Get returns the current record for id.
	Get(ctx context.Context, id string) (CallJob, error)

	// ScanActive iterates active jobs, calling fn for each; fn returning
	// false stops iteration early. Used by the sweeper.
	ScanActive(ctx context.Context, fn func(CallJob) bool) error

	// Metrics answers get_queue_metrics.
	Metrics(ctx context.Context) (QueueMetrics, error)

	// EvictTerminalBefore drops terminal job records last updated before
	// cutoff, implementing the bounded terminal-retention window
	// (SPEC_FULL.md §3.3, default 24h).
	EvictTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
