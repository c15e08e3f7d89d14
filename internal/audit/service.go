package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only, for operators, not surfaced through get_status.
// - Callers should treat audit logging as best-effort: a failed Append must
//   never block or fail the call that triggered it.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRetry records that a job was re-enqueued after a Failed terminal
// outcome instead of being delivered, per the job-level retry policy.
func (s *Service) LogRetry(ctx context.Context, callID string, retryCount, maxRetries int) error {
	return s.Append(ctx, Event{
		Type:    EventTypeJobRetried,
		CallID:  callID,
		Message: "failed outcome re-enqueued for retry",
		Metadata: mustJSON(map[string]any{
			"retry_count": retryCount,
			"max_retries": maxRetries,
		}),
	})
}

// LogSyntheticTerminal records a Supervisor-synthesized terminal outcome
// (stuck-call deadline or provider unreachable).
func (s *Service) LogSyntheticTerminal(ctx context.Context, callID, reason string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeSyntheticTerminal,
		CallID:  callID,
		Message: reason,
	})
}

// LogSweeperForced records a sweeper-side force-completion of a stuck or
// crashed Supervisor's job.
func (s *Service) LogSweeperForced(ctx context.Context, callID string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeSweeperForced,
		CallID:  callID,
		Message: "sweeper force-completed stuck active job",
	})
}

// LogInvariantBreach records an internal invariant breach that forced a
// job to a Failed/internal_error terminal state, per the error taxonomy.
func (s *Service) LogInvariantBreach(ctx context.Context, callID, detail string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeInvariantBreach,
		CallID:  callID,
		Message: detail,
	})
}

// LogDeliveryFailed records that a CallResult could not be delivered to
// the backend sink after retries were exhausted and was persisted with
// reported_ok=false for later operator reconciliation.
func (s *Service) LogDeliveryFailed(ctx context.Context, callID, detail string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeDeliveryFailed,
		CallID:  callID,
		Message: detail,
	})
}
