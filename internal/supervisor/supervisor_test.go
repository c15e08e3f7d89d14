package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telecom-platform/internal/agent"
	"telecom-platform/internal/callqueue"
	"telecom-platform/internal/telephony"
)

var errSinkDown = errors.New("sink down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func baseConfig() Config {
	return Config{
		InitialStatusDelay:  0,
		StatusCheckInterval: 0,
		StuckCallDeadline:   45 * time.Second,
		MinConnectedSeconds: 5,
	}
}

// fakeProvider drives Initiate/Status from a canned sequence of
// responses, letting each test simulate exactly the provider behavior
// a boundary scenario names.
type fakeProvider struct {
	mu            sync.Mutex
	initiateErrs  []error // consumed in order; nil means success
	initiateCalls int
	statuses      []telephony.StatusResult
	statusErrs    []error
	statusCalls   int
}

func (f *fakeProvider) Initiate(ctx context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.initiateCalls
	f.initiateCalls++
	if idx < len(f.initiateErrs) && f.initiateErrs[idx] != nil {
		return telephony.InitiateResult{}, f.initiateErrs[idx]
	}
	return telephony.InitiateResult{ProviderUUID: "prov-uuid", RawState: telephony.RawStateQueued}, nil
}

func (f *fakeProvider) Status(ctx context.Context, providerUUID string) (telephony.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	f.statusCalls++
	if idx < len(f.statusErrs) && f.statusErrs[idx] != nil {
		return telephony.StatusResult{}, f.statusErrs[idx]
	}
	if idx >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[idx], nil
}

type fakeAgent struct {
	mu         sync.Mutex
	snapshot   agent.Snapshot
	err        error
	statusCalls int
}

func (f *fakeAgent) Register(ctx context.Context, jobID, phone string, extras map[string]string) error {
	return nil
}

func (f *fakeAgent) Status(ctx context.Context, jobID string) (agent.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.snapshot, f.err
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []callqueue.CallResult
	err       error
}

func (f *fakeSink) Deliver(ctx context.Context, result callqueue.CallResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, result)
	return nil
}

func setupJob(t *testing.T, store callqueue.Store, id string, priority callqueue.Priority) {
	t.Helper()
	job := callqueue.NewJob(id, "+15550001", "campaign-1", nil, priority, nil, 3, time.Now().UTC())
	if _, err := store.Put(context.Background(), job); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Enqueue(context.Background(), id); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.PopReady(context.Background(), 1, 100); err != nil {
		t.Fatalf("pop_ready: %v", err)
	}
}

func TestSupervisor_S1_HappyPath(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateInitiated},
		{RawState: telephony.RawStateRinging},
		{RawState: telephony.RawStateInProgress},
		{RawState: telephony.RawStateCompleted, DurationSeconds: 30, HangupCause: "normal_clearing"},
	}}
	ag := &fakeAgent{snapshot: agent.Snapshot{Phase: agent.PhaseCompleted, Transcript: []string{"hi", "bye"}}}
	sink := &fakeSink{}

	sv := New(store, provider, ag, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if len(sink.delivered) != 1 {
		t.Fatalf("expected exactly one delivered result, got %d", len(sink.delivered))
	}
	got := sink.delivered[0]
	if got.Status != callqueue.StatusCompleted || got.CallOutcome != callqueue.OutcomeCompleted {
		t.Fatalf("unexpected status/outcome: %+v", got)
	}
	if got.DurationSeconds != 30 {
		t.Fatalf("expected duration 30, got %d", got.DurationSeconds)
	}
	if got.DataSource != callqueue.DataSourceProviderPrimary {
		t.Fatalf("expected provider_primary data source, got %s", got.DataSource)
	}
}

func TestSupervisor_S2_QuickCompletionReclassifiedAsMiss(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateCompleted, DurationSeconds: 3},
	}}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	got := sink.delivered[0]
	if got.Status != callqueue.StatusCompleted || got.CallOutcome != callqueue.OutcomeMissed {
		t.Fatalf("expected status Completed with outcome Missed, got %s/%s", got.Status, got.CallOutcome)
	}
	if got.DurationSeconds != 3 {
		t.Fatalf("expected duration 3, got %d", got.DurationSeconds)
	}
}

func TestSupervisor_S3_StuckAtInitiatedSynthesizesMissedTimeout(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateInitiated},
	}}
	sink := &fakeSink{}

	cfg := baseConfig()
	cfg.StuckCallDeadline = -time.Second // already expired the instant we start observing

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, cfg, testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	got := sink.delivered[0]
	if got.CallOutcome != callqueue.OutcomeMissed || got.HangupCause != "no_answer_timeout" {
		t.Fatalf("expected synthesized Missed/no_answer_timeout, got %+v", got)
	}
	if got.DataSource != callqueue.DataSourceSupervisorSynth {
		t.Fatalf("expected supervisor_synthetic data source, got %s", got.DataSource)
	}
}

func TestSupervisor_ObservePollsAgentOpportunisticallyBetweenProviderPolls(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateRinging},
		{RawState: telephony.RawStateInProgress},
		{RawState: telephony.RawStateCompleted, DurationSeconds: 20},
	}}
	ag := &fakeAgent{snapshot: agent.Snapshot{Phase: agent.PhaseSpeaking}}
	sink := &fakeSink{}

	sv := New(store, provider, ag, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if len(sink.delivered) != 1 {
		t.Fatalf("expected exactly one delivered result, got %d", len(sink.delivered))
	}
	// One opportunistic call per non-terminal provider poll (2 here: ringing,
	// in_progress), plus the one authoritative call reconcile always makes.
	if ag.calls() < 3 {
		t.Fatalf("expected the observation loop to poll the agent opportunistically, got %d calls", ag.calls())
	}
}

func TestSupervisor_InProgressStuckAtDeadlineSynthesizesTimeout(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateInProgress},
	}}
	sink := &fakeSink{}

	cfg := baseConfig()
	cfg.StuckCallDeadline = time.Second

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, cfg, testLogger())
	sv.sleep = noopSleep

	// Fake clock: the first two calls (dispatch's started_at, observe's
	// first deadline check) land before the deadline so the loop gets a
	// chance to observe InProgress; every call after that jumps an hour
	// past it, so the *second* deadline check — now that job.Status is
	// InProgress — synthesizes in_progress_timeout instead of
	// no_answer_timeout.
	var calls int32
	base := time.Now()
	sv.now = func() time.Time {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			return base
		}
		return base.Add(time.Hour)
	}

	sv.Run(context.Background(), "A1")

	got := sink.delivered[0]
	if got.CallOutcome != callqueue.OutcomeTimeout || got.HangupCause != "in_progress_timeout" {
		t.Fatalf("expected synthesized Timeout/in_progress_timeout, got %+v", got)
	}
	if got.DataSource != callqueue.DataSourceSupervisorSynth {
		t.Fatalf("expected supervisor_synthetic data source, got %s", got.DataSource)
	}
}

func TestSupervisor_S4_TransientThenRecoversWithoutJobRetry(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	transientErr := &telephony.ProviderError{Class: telephony.ClassTransient, Message: "503"}
	provider := &fakeProvider{
		statusErrs: []error{transientErr, transientErr, transientErr, nil, nil},
		statuses: []telephony.StatusResult{
			{}, {}, {},
			{RawState: telephony.RawStateInProgress},
			{RawState: telephony.RawStateCompleted, DurationSeconds: 20},
		},
	}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	got := sink.delivered[0]
	if got.Status != callqueue.StatusCompleted {
		t.Fatalf("expected eventual Completed, got %s", got.Status)
	}
	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.RetryCount != 0 {
		t.Fatalf("transient provider errors must not trigger job-level retry, got retry_count=%d", job.RetryCount)
	}
}

func TestSupervisor_S5_InitiatePermanentFailureNoRetry(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	permErr := &telephony.ProviderError{Class: telephony.ClassPermanent, Message: "bad request"}
	provider := &fakeProvider{initiateErrs: []error{permErr}}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if len(sink.delivered) != 1 {
		t.Fatalf("expected exactly one delivered result, got %d", len(sink.delivered))
	}
	got := sink.delivered[0]
	if got.Status != callqueue.StatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}

	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.RetryCount != 0 {
		t.Fatalf("permanent initiate failure must not retry, got retry_count=%d", job.RetryCount)
	}
}

func TestSupervisor_S6_RetryOnTransientInitiateThenSucceeds(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	transientErr := &telephony.ProviderError{Class: telephony.ClassTransient, Message: "timeout"}
	provider := &fakeProvider{
		initiateErrs: []error{transientErr, transientErr, transientErr, nil},
		statuses:     []telephony.StatusResult{{RawState: telephony.RawStateCompleted, DurationSeconds: 15}},
	}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if provider.initiateCalls != 4 {
		t.Fatalf("expected 4 initiate attempts, got %d", provider.initiateCalls)
	}
	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(job.AttemptLog) != 4 {
		t.Fatalf("expected 4 recorded attempts (3 failed, 1 successful), got %d", len(job.AttemptLog))
	}
}

func TestSupervisor_FailedOutcomeWithRetryBudgetIsReenqueuedNotDelivered(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateFailed, HangupCause: "network_error"},
	}}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if len(sink.delivered) != 0 {
		t.Fatalf("expected no delivery while retry budget remains, got %d", len(sink.delivered))
	}
	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != callqueue.StatusPending || job.RetryCount != 1 {
		t.Fatalf("expected job re-enqueued as Pending with retry_count=1, got status=%s retry_count=%d", job.Status, job.RetryCount)
	}
}

func TestSupervisor_MissedNeverRetried(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateNoAnswer},
	}}
	sink := &fakeSink{}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	if len(sink.delivered) != 1 {
		t.Fatalf("Missed outcomes must always be delivered, never retried, got %d deliveries", len(sink.delivered))
	}
	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.RetryCount != 0 {
		t.Fatalf("expected retry_count unchanged for a Missed outcome, got %d", job.RetryCount)
	}
}

func TestSupervisor_DeliveryFailurePersistsReportedFalse(t *testing.T) {
	store := callqueue.NewMemoryStore()
	setupJob(t, store, "A1", callqueue.PriorityNormal)

	provider := &fakeProvider{statuses: []telephony.StatusResult{
		{RawState: telephony.RawStateCompleted, DurationSeconds: 30},
	}}
	sink := &fakeSink{err: errSinkDown}

	sv := New(store, provider, &fakeAgent{err: agent.ErrNotFound}, sink, nil, baseConfig(), testLogger())
	sv.sleep = noopSleep
	sv.Run(context.Background(), "A1")

	job, err := store.Get(context.Background(), "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Result == nil {
		t.Fatalf("expected the result to be persisted even though delivery failed")
	}
	if job.Result.ReportedOK {
		t.Fatalf("expected reported_ok=false when the sink is down")
	}
	if !job.Status.Terminal() {
		t.Fatalf("expected a terminal status even without successful delivery, got %s", job.Status)
	}
}
