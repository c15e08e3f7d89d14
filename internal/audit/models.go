package audit

import "time"

// Event is an immutable, append-only audit log record for engine-internal
// occurrences: retries, synthetic terminations, invariant breaches, and
// delivery outcomes that an operator may need to review later.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; every event is scoped to one job.

type Event struct {
	ID     string    `json:"id" db:"id"`
	Type   EventType `json:"type" db:"type"`
	CallID string    `json:"call_id" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details (raw provider/agent snapshots, etc).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeJobRetried        EventType = "job_retried"
	EventTypeSyntheticTerminal EventType = "synthetic_terminal"
	EventTypeSweeperForced     EventType = "sweeper_forced_complete"
	EventTypeInvariantBreach   EventType = "invariant_breach"
	EventTypeDeliveryFailed    EventType = "delivery_failed_persisted"
)
