// Package callqueue implements the Call Queue Engine's State Store (C1):
// durable CallJob records, the four priority FIFOs, the scheduled index,
// and the active set of jobs currently owned by a Supervisor.
package callqueue

import "time"

// Priority is one of the four dispatch priority levels. Ordering across
// levels is strict: Urgent drains before High, High before Normal, Normal
// before Low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every level, highest first — the drain order the
// dispatcher and pop_ready must respect.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Status is a CallJob's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusScheduled   Status = "scheduled"
	StatusDispatching Status = "dispatching"
	StatusRinging     Status = "ringing"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusMissed      Status = "missed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether s is one of the monotonically non-overwritable
// terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMissed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CallOutcome is the fixed set of user-visible outcomes surfaced through
// get_status, independent of the internal Status value.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "Completed"
	OutcomeMissed    CallOutcome = "Missed"
	OutcomeFailed    CallOutcome = "Failed"
	OutcomeBusy      CallOutcome = "Busy"
	OutcomeNoAnswer  CallOutcome = "NoAnswer"
	OutcomeRejected  CallOutcome = "Rejected"
	// OutcomeTimeout is distinct from OutcomeMissed: it is synthesized
	// when a call reached InProgress (the provider confirmed a connected
	// leg) but the Supervisor never observed a terminal provider status
	// before the stuck-call deadline, the same "is_timeout" branch
	// original_source/plivo_integration.py's polling loop takes for a
	// call it lost track of mid-conversation. OutcomeMissed is reserved
	// for a call that never got past Dispatching/Ringing at all.
	OutcomeTimeout CallOutcome = "Timeout"
)

// DataSource records how authoritative a terminal CallResult's fields are.
type DataSource string

const (
	DataSourceProviderPrimary  DataSource = "provider_primary"
	DataSourceAgentOnly        DataSource = "agent_only"
	DataSourceSupervisorSynth  DataSource = "supervisor_synthetic"
)

// AttemptRecord is one dispatch attempt within a job's lifetime.
type AttemptRecord struct {
	ProviderUUID   string    `json:"provider_uuid,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	TerminalStatus Status    `json:"terminal_status,omitempty"`
	HangupCause    string    `json:"hangup_cause,omitempty"`
}

// CallJob is the unit of work the engine schedules, dispatches, and
// supervises. See SPEC_FULL.md §3 for field-level invariants.
type CallJob struct {
	ID           string            `json:"id"`
	BackendCallID string           `json:"backend_call_id"`
	BatchID      string            `json:"batch_id,omitempty"`
	PhoneNumber  string            `json:"phone_number"`
	CampaignID   string            `json:"campaign_id"`
	CallConfig   map[string]string `json:"call_config"`

	Priority     Priority   `json:"priority"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries   int        `json:"max_retries"`
	RetryCount   int        `json:"retry_count"`
	Status       Status     `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	AttemptLog []AttemptRecord `json:"attempt_log,omitempty"`
	Result     *CallResult     `json:"result,omitempty"`
}

// CallResult is produced once per job at its terminal transition and
// reported to the backend sink.
type CallResult struct {
	CallID          string      `json:"call_id"`
	Status          Status      `json:"status"`
	CallOutcome     CallOutcome `json:"call_outcome"`
	DurationSeconds int         `json:"duration_seconds"`
	HangupCause     string      `json:"hangup_cause"`
	Transcript      any         `json:"transcript,omitempty"`
	RecordingRef    string      `json:"recording_ref,omitempty"`
	ProviderData    any         `json:"provider_data,omitempty"`
	AgentData       any         `json:"agent_data,omitempty"`
	DataSource      DataSource  `json:"data_source"`
	ReportedAt      time.Time   `json:"reported_at"`
	ReportedOK      bool        `json:"reported_ok"`
}

// QueueMetrics answers get_queue_metrics.
type QueueMetrics struct {
	PendingByPriority map[Priority]int `json:"pending_by_priority"`
	Scheduled         int              `json:"scheduled"`
	Active            int              `json:"active"`
	CompletedLastHour int              `json:"completed_last_hour"`
	FailedLastHour    int              `json:"failed_last_hour"`
}

// NewJob builds a CallJob at its Pending/Scheduled starting state, applying
// defaults per SPEC_FULL.md §3.1 (priority Normal, max_retries 3).
func NewJob(id, phone, campaignID string, callConfig map[string]string, priority Priority, scheduledAt *time.Time, maxRetries int, now time.Time) CallJob {
	if !priority.valid() {
		priority = PriorityNormal
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	status := StatusPending
	if scheduledAt != nil && scheduledAt.After(now) {
		status = StatusScheduled
	}
	return CallJob{
		ID:            id,
		BackendCallID: id,
		PhoneNumber:   phone,
		CampaignID:    campaignID,
		CallConfig:    callConfig,
		Priority:      priority,
		ScheduledAt:   scheduledAt,
		MaxRetries:    maxRetries,
		RetryCount:    0,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
