package callqueue

import (
	"context"
	"errors"
	"time"
)

// ErrMissingID is a contract violation per SPEC_FULL.md §7: rejected at
// entry, never mutates state.
var ErrMissingID = errors.New("callqueue: id is required")

// JobSpec is the ingress-facing request shape for enqueue_one/enqueue_bulk.
type JobSpec struct {
	ID          string
	BatchID     string
	PhoneNumber string
	CampaignID  string
	CallConfig  map[string]string
	Priority    Priority
	ScheduledAt *time.Time
	MaxRetries  int
}

// EnqueueResult answers enqueue_one/enqueue_bulk per job.
type EnqueueResult struct {
	CallID  string
	BatchID string `json:"batch_id,omitempty"`
	Status  Status
	Error   string `json:"error,omitempty"`
}

// Service implements the ingress operations named in SPEC_FULL.md §6:
// enqueue_one, enqueue_bulk, get_status, get_queue_metrics. It contains no
// dispatch logic of its own — only validation and calls into the Store.
type Service struct {
	store Store
	clock func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: time.Now}
}

// EnqueueOne implements enqueue_one. Re-submission with an existing id is
// idempotent: it returns the current status without creating a new record.
func (s *Service) EnqueueOne(ctx context.Context, spec JobSpec) (EnqueueResult, error) {
	if spec.ID == "" {
		return EnqueueResult{}, ErrMissingID
	}
	if spec.PhoneNumber == "" {
		return EnqueueResult{}, errors.New("callqueue: phone_number is required")
	}
	if spec.CallConfig == nil || spec.CallConfig["answer_url"] == "" {
		return EnqueueResult{}, errors.New("callqueue: call_config.answer_url is required")
	}

	now := s.clock().UTC()
	job := NewJob(spec.ID, spec.PhoneNumber, spec.CampaignID, spec.CallConfig, spec.Priority, spec.ScheduledAt, spec.MaxRetries, now)
	job.BatchID = spec.BatchID

	outcome, err := s.store.Put(ctx, job)
	if err != nil {
		return EnqueueResult{}, err
	}
	if outcome == PutExists {
		existing, err := s.store.Get(ctx, spec.ID)
		if err != nil {
			return EnqueueResult{}, err
		}
		return EnqueueResult{CallID: existing.ID, BatchID: existing.BatchID, Status: existing.Status}, nil
	}

	if job.Status == StatusScheduled {
		if err := s.store.Schedule(ctx, job.ID, *spec.ScheduledAt); err != nil {
			return EnqueueResult{}, err
		}
	} else {
		if err := s.store.Enqueue(ctx, job.ID); err != nil {
			return EnqueueResult{}, err
		}
	}
	return EnqueueResult{CallID: job.ID, BatchID: job.BatchID, Status: job.Status}, nil
}

// EnqueueBulk implements enqueue_bulk(batch_id, [job_spec...]): every spec
// in the batch is stamped with batchID (unless it already carries one of
// its own) and processed independently, so a bad spec never aborts the
// batch.
func (s *Service) EnqueueBulk(ctx context.Context, batchID string, specs []JobSpec) []EnqueueResult {
	out := make([]EnqueueResult, len(specs))
	for i, spec := range specs {
		if spec.BatchID == "" {
			spec.BatchID = batchID
		}
		res, err := s.EnqueueOne(ctx, spec)
		if err != nil {
			out[i] = EnqueueResult{CallID: spec.ID, BatchID: spec.BatchID, Error: err.Error()}
			continue
		}
		out[i] = res
	}
	return out
}

// GetStatus implements get_status.
func (s *Service) GetStatus(ctx context.Context, callID string) (CallJob, error) {
	if callID == "" {
		return CallJob{}, ErrMissingID
	}
	return s.store.Get(ctx, callID)
}

// GetQueueMetrics implements get_queue_metrics.
func (s *Service) GetQueueMetrics(ctx context.Context) (QueueMetrics, error) {
	return s.store.Metrics(ctx)
}
