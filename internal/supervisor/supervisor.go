// Package supervisor implements the Call Queue Engine's Call Supervisor
// (C5): one logical task per active call, driving it through
// Dispatching -> Ringing -> InProgress -> {Completed | Missed | Failed}
// by polling the telephony provider and voice agent, then reconciling
// and delivering the outcome to the backend sink.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telecom-platform/internal/agent"
	"telecom-platform/internal/audit"
	"telecom-platform/internal/backend"
	"telecom-platform/internal/callqueue"
	"telecom-platform/internal/telephony"
	"telecom-platform/pkg/retry"
)

// defaultMaxConsecutiveErrors is how many consecutive provider polling
// failures the observation loop tolerates, when Config.MaxConsecutiveErrors
// is left unset, before declaring the provider unreachable.
const defaultMaxConsecutiveErrors = 6

// Config carries the timing knobs a Supervisor needs; all are sourced
// from EngineConfig so every call in the fleet behaves identically.
type Config struct {
	InitialStatusDelay  time.Duration
	StatusCheckInterval time.Duration
	StuckCallDeadline   time.Duration
	MinConnectedSeconds int
	// MaxConsecutiveErrors is the spec's max_status_retries: how many
	// consecutive provider polling failures observe() tolerates before
	// declaring the provider unreachable. Defaults to
	// defaultMaxConsecutiveErrors when zero.
	MaxConsecutiveErrors int
}

func (c Config) maxConsecutiveErrors() int {
	if c.MaxConsecutiveErrors <= 0 {
		return defaultMaxConsecutiveErrors
	}
	return c.MaxConsecutiveErrors
}

// Supervisor runs a single job's lifecycle to completion.
type Supervisor struct {
	store    callqueue.Store
	provider telephony.Provider
	agent    agent.Client
	sink     backend.Sink
	audit    *audit.Service
	cfg      Config
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	log      *slog.Logger
}

func New(store callqueue.Store, provider telephony.Provider, agentClient agent.Client, sink backend.Sink, auditSvc *audit.Service, cfg Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		provider: provider,
		agent:    agentClient,
		sink:     sink,
		audit:    auditSvc,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		log:      log,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drives job id from Dispatching to a terminal state and releases it
// from the active set on exit. Called on one of the dispatcher's
// worker-pool goroutines; each worker supervises one call at a time.
func (sv *Supervisor) Run(ctx context.Context, id string) {
	log := sv.log.With("call_id", id)

	job, err := sv.store.Get(ctx, id)
	if err != nil {
		log.Error("supervisor: failed to load job", "error", err)
		return
	}

	uuid, permanent, dispatchErr := sv.dispatch(ctx, &job)
	if dispatchErr != nil {
		cause := "agent_unreachable"
		var perr *telephony.ProviderError
		if errors.As(dispatchErr, &perr) && perr.Message != "" {
			cause = perr.Message
		}
		sv.finishFailed(ctx, &job, cause, dispatchErr.Error(), !permanent)
		sv.release(ctx, id)
		return
	}

	result := sv.observe(ctx, &job, uuid)
	sv.reconcile(ctx, &job, result)
	sv.release(ctx, id)
}

// dispatch implements transition 1: best-effort agent registration
// followed by C3.initiate, retried on transient failure per the
// exponential-backoff schedule up to job.MaxRetries. Each attempt — hit
// or miss — is appended to the attempt log, so an operator can see
// exactly how many times the provider was asked to place the call.
// retry_count is shared with the job-level retry policy: a transient
// exhaustion leaves retry_count == max_retries, so reconcile's own
// retry check naturally declines to retry again. Permanent failures
// leave retry_count untouched and are reported directly by the caller.
func (sv *Supervisor) dispatch(ctx context.Context, job *callqueue.CallJob) (uuid string, permanent bool, err error) {
	if regErr := sv.agent.Register(ctx, job.ID, job.PhoneNumber, job.CallConfig); regErr != nil {
		sv.log.Warn("supervisor: agent registration failed, continuing", "call_id", job.ID, "error", regErr)
	}

	extras := map[string]string{"job_id": job.ID}

	var lastErr error
	for {
		if job.RetryCount > 0 {
			if serr := sv.sleep(ctx, retry.Default(job.RetryCount)); serr != nil {
				return "", false, serr
			}
		}

		res, initErr := sv.provider.Initiate(ctx, telephony.InitiateRequest{
			Phone:     job.PhoneNumber,
			AnswerURL: job.CallConfig["answer_url"],
			Extras:    extras,
		})
		startedAt := sv.now()

		if initErr == nil {
			attemptRec := callqueue.AttemptRecord{ProviderUUID: res.ProviderUUID, StartedAt: startedAt}
			dispatching := callqueue.StatusDispatching
			updated, uerr := sv.store.Update(ctx, job.ID, callqueue.Patch{
				Status:        &dispatching,
				StartedAt:     &startedAt,
				AppendAttempt: &attemptRec,
			})
			if uerr != nil && !errors.Is(uerr, callqueue.ErrTerminal) {
				return "", false, uerr
			}
			*job = updated
			return res.ProviderUUID, false, nil
		}

		lastErr = initErr
		failedAttempt := callqueue.AttemptRecord{StartedAt: startedAt, TerminalStatus: callqueue.StatusFailed, HangupCause: initErr.Error()}
		sv.store.Update(ctx, job.ID, callqueue.Patch{AppendAttempt: &failedAttempt})

		var perr *telephony.ProviderError
		if errors.As(initErr, &perr) && !perr.Transient() {
			return "", true, lastErr
		}

		if job.RetryCount >= job.MaxRetries {
			return "", false, lastErr
		}

		newRetryCount := job.RetryCount + 1
		updated, uerr := sv.store.Update(ctx, job.ID, callqueue.Patch{RetryCount: &newRetryCount})
		if uerr != nil && !errors.Is(uerr, callqueue.ErrTerminal) {
			return "", false, uerr
		}
		*job = updated
	}
}

// observationResult is what the observation loop hands to reconciliation:
// either a terminal provider status, or a synthesized one (stuck-call
// deadline or provider unreachable).
type observationResult struct {
	providerStatus telephony.StatusResult
	synthetic      bool
	syntheticCause string
}

// observe implements transitions 2-4: the settling delay, the polling
// loop, non-terminal status updates, the stuck-call deadline, and the
// transient-error tolerance before declaring the provider unreachable.
func (sv *Supervisor) observe(ctx context.Context, job *callqueue.CallJob, providerUUID string) observationResult {
	deadline := job.StartedAt.Add(sv.cfg.StuckCallDeadline)

	if err := sv.sleep(ctx, sv.cfg.InitialStatusDelay); err != nil {
		return observationResult{synthetic: true, syntheticCause: "context_cancelled"}
	}

	consecutiveErrors := 0
	for {
		if sv.now().After(deadline) {
			if job.Status == callqueue.StatusInProgress {
				// The call connected but the provider never reported a
				// terminal status before the deadline — distinct from
				// no_answer_timeout, which means the call never got past
				// Dispatching/Ringing at all.
				sv.log.Info("supervisor: stuck-call deadline exceeded while in progress", "call_id", job.ID)
				return observationResult{synthetic: true, syntheticCause: "in_progress_timeout"}
			}
			sv.log.Info("supervisor: stuck-call deadline exceeded", "call_id", job.ID)
			return observationResult{synthetic: true, syntheticCause: "no_answer_timeout"}
		}

		status, err := sv.provider.Status(ctx, providerUUID)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= sv.cfg.maxConsecutiveErrors() {
				sv.log.Warn("supervisor: provider declared unreachable", "call_id", job.ID)
				return observationResult{synthetic: true, syntheticCause: "provider_unreachable"}
			}
			if err := sv.sleep(ctx, sv.cfg.StatusCheckInterval); err != nil {
				return observationResult{synthetic: true, syntheticCause: "context_cancelled"}
			}
			continue
		}
		consecutiveErrors = 0

		if telephony.IsTerminalRawState(status.RawState) {
			return observationResult{providerStatus: status}
		}

		sv.applyNonTerminalStatus(ctx, job, status)
		sv.pollAgentProgress(ctx, job)

		if err := sv.sleep(ctx, sv.cfg.StatusCheckInterval); err != nil {
			return observationResult{synthetic: true, syntheticCause: "context_cancelled"}
		}
	}
}

// pollAgentProgress opportunistically checks the agent's own view of the
// call between provider polls, per spec.md's instruction to surface
// transcript/recording progress early without ever treating it as
// authoritative for termination — a failure here is logged and ignored,
// never fed into the observation loop's exit conditions.
func (sv *Supervisor) pollAgentProgress(ctx context.Context, job *callqueue.CallJob) {
	snap, err := sv.agent.Status(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, agent.ErrNotFound) {
			sv.log.Debug("supervisor: opportunistic agent poll failed", "call_id", job.ID, "error", err)
		}
		return
	}
	sv.log.Debug("supervisor: agent progress", "call_id", job.ID, "phase", snap.Phase)
}

func (sv *Supervisor) applyNonTerminalStatus(ctx context.Context, job *callqueue.CallJob, status telephony.StatusResult) {
	newStatus, _, _ := telephony.MapStatus(status, sv.cfg.MinConnectedSeconds)
	if newStatus == job.Status {
		return
	}
	updated, err := sv.store.Update(ctx, job.ID, callqueue.Patch{Status: &newStatus})
	if err != nil {
		if !errors.Is(err, callqueue.ErrTerminal) {
			sv.log.Warn("supervisor: failed to persist status change", "call_id", job.ID, "error", err)
		}
		return
	}
	*job = updated
}

// reconcile implements transition 5 (build the CallResult), the
// job-level retry-vs-deliver branch, and transition 6 (delivery).
func (sv *Supervisor) reconcile(ctx context.Context, job *callqueue.CallJob, obs observationResult) {
	var status callqueue.Status
	var outcome callqueue.CallOutcome
	var hangupCause string
	var duration int
	var dataSource callqueue.DataSource

	agentSnap, agentErr := sv.agent.Status(ctx, job.ID)
	agentAvailable := agentErr == nil

	if obs.synthetic {
		status, outcome, hangupCause = sv.synthesizeOutcome(obs.syntheticCause, agentAvailable, agentSnap)
		dataSource = sv.classifyDataSource(false, agentAvailable, agentSnap)
		if sv.audit != nil {
			sv.audit.LogSyntheticTerminal(ctx, job.ID, obs.syntheticCause)
		}
	} else {
		status, outcome, hangupCause = telephony.MapStatus(obs.providerStatus, sv.cfg.MinConnectedSeconds)
		duration = obs.providerStatus.DurationSeconds
		dataSource = sv.classifyDataSource(true, agentAvailable, agentSnap)
	}

	result := callqueue.CallResult{
		CallID:          job.ID,
		Status:          status,
		CallOutcome:     outcome,
		DurationSeconds: duration,
		HangupCause:     hangupCause,
		DataSource:      dataSource,
		ReportedAt:      sv.now(),
	}
	if agentAvailable {
		result.RecordingRef = agentSnap.RecordingRef
		result.Transcript = agentSnap.Transcript
	}

	// Only a Failed outcome is retried: an in-progress timeout carries
	// Status Failed but outcome Timeout, and is delivered like any other
	// terminal result.
	if status == callqueue.StatusFailed && outcome == callqueue.OutcomeFailed && job.RetryCount < job.MaxRetries {
		sv.retryJob(ctx, job, hangupCause)
		return
	}

	sv.deliver(ctx, job, result)
}

func (sv *Supervisor) synthesizeOutcome(cause string, agentAvailable bool, snap agent.Snapshot) (callqueue.Status, callqueue.CallOutcome, string) {
	if cause == "provider_unreachable" && agentAvailable && snap.Phase.Terminal() {
		if snap.Phase == agent.PhaseCompleted {
			return callqueue.StatusCompleted, callqueue.OutcomeCompleted, "provider_unreachable_agent_completed"
		}
		return callqueue.StatusFailed, callqueue.OutcomeFailed, "agent_reported_failure"
	}
	if cause == "no_answer_timeout" {
		return callqueue.StatusMissed, callqueue.OutcomeMissed, "no_answer_timeout"
	}
	if cause == "in_progress_timeout" {
		return callqueue.StatusFailed, callqueue.OutcomeTimeout, "in_progress_timeout"
	}
	return callqueue.StatusFailed, callqueue.OutcomeFailed, cause
}

func (sv *Supervisor) classifyDataSource(providerAvailable, agentAvailable bool, snap agent.Snapshot) callqueue.DataSource {
	switch {
	case providerAvailable && agentAvailable:
		return callqueue.DataSourceProviderPrimary
	case !providerAvailable && agentAvailable && snap.Phase.Terminal():
		return callqueue.DataSourceAgentOnly
	case providerAvailable:
		return callqueue.DataSourceProviderPrimary
	default:
		return callqueue.DataSourceSupervisorSynth
	}
}

// retryJob implements the job-level retry policy: a Failed outcome with
// retry budget left is re-enqueued instead of delivered.
func (sv *Supervisor) retryJob(ctx context.Context, job *callqueue.CallJob, lastError string) {
	newRetryCount := job.RetryCount + 1
	pending := callqueue.StatusPending
	updated, err := sv.store.Update(ctx, job.ID, callqueue.Patch{
		Status:     &pending,
		RetryCount: &newRetryCount,
		LastError:  &lastError,
	})
	if err != nil {
		sv.log.Error("supervisor: failed to re-enqueue job for retry", "call_id", job.ID, "error", err)
		return
	}
	*job = updated
	if err := sv.store.Enqueue(ctx, job.ID); err != nil {
		sv.log.Error("supervisor: failed to enqueue retried job", "call_id", job.ID, "error", err)
	}
	if sv.audit != nil {
		sv.audit.LogRetry(ctx, job.ID, newRetryCount, job.MaxRetries)
	}
}

// deliver implements transition 6: POST the result to the backend sink,
// then persist the terminal update regardless of delivery outcome —
// a delivery failure never drops the result.
func (sv *Supervisor) deliver(ctx context.Context, job *callqueue.CallJob, result callqueue.CallResult) {
	deliverErr := sv.sink.Deliver(ctx, result)
	result.ReportedOK = deliverErr == nil
	if deliverErr != nil {
		sv.log.Warn("supervisor: delivery failed after retries, persisting for reconciliation", "call_id", job.ID, "error", deliverErr)
		if sv.audit != nil {
			sv.audit.LogDeliveryFailed(ctx, job.ID, deliverErr.Error())
		}
	}

	terminalStatus := result.Status
	completedAt := sv.now()
	if _, err := sv.store.Update(ctx, job.ID, callqueue.Patch{
		Status:      &terminalStatus,
		CompletedAt: &completedAt,
		Result:      &result,
	}); err != nil && !errors.Is(err, callqueue.ErrTerminal) {
		sv.log.Error("supervisor: failed to persist terminal result", "call_id", job.ID, "error", err)
	}
}

// finishFailed handles a dispatch-stage failure: either a permanent
// provider error (never retried, regardless of retry budget) or
// transient-retry exhaustion (retry_count already equals max_retries,
// so the general job-level retry check below declines on its own).
func (sv *Supervisor) finishFailed(ctx context.Context, job *callqueue.CallJob, hangupCause, lastError string, retryEligible bool) {
	if retryEligible && job.RetryCount < job.MaxRetries {
		sv.retryJob(ctx, job, lastError)
		return
	}
	result := callqueue.CallResult{
		CallID:      job.ID,
		Status:      callqueue.StatusFailed,
		CallOutcome: callqueue.OutcomeFailed,
		HangupCause: hangupCause,
		DataSource:  callqueue.DataSourceSupervisorSynth,
		ReportedAt:  sv.now(),
	}
	sv.deliver(ctx, job, result)
}

func (sv *Supervisor) release(ctx context.Context, id string) {
	if err := sv.store.Release(ctx, id); err != nil {
		sv.log.Error("supervisor: failed to release job from active set", "call_id", id, "error", err)
	}
}
