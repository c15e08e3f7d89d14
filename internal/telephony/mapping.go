package telephony

import "telecom-platform/internal/callqueue"

// MinConnectedSeconds is the threshold below which a provider-reported
// "completed" call is indistinguishable from one that rang but was
// never actually answered.
const MinConnectedSeconds = 5

// MapStatus translates a provider StatusResult into the engine's
// internal Status/CallOutcome/hangup_cause per the raw-state mapping
// table: queued/initiated stay in Dispatching, ringing/in-progress map
// straight across, and completed splits on min_connected_secs into a
// real Completed versus a Missed that merely looked answered.
func MapStatus(s StatusResult, minConnectedSeconds int) (status callqueue.Status, outcome callqueue.CallOutcome, hangupCause string) {
	switch s.RawState {
	case RawStateQueued, RawStateInitiated:
		return callqueue.StatusDispatching, "", s.HangupCause
	case RawStateRinging:
		return callqueue.StatusRinging, "", s.HangupCause
	case RawStateInProgress:
		return callqueue.StatusInProgress, "", s.HangupCause
	case RawStateCompleted:
		if s.DurationSeconds >= minConnectedSeconds {
			return callqueue.StatusCompleted, callqueue.OutcomeCompleted, s.HangupCause
		}
		// The provider's own status stays Completed — it really did see
		// the call end that way — but the outcome surfaced to the
		// backend is reclassified: too short to have been answered.
		return callqueue.StatusCompleted, callqueue.OutcomeMissed, "short_completed"
	case RawStateBusy:
		return callqueue.StatusMissed, callqueue.OutcomeBusy, "busy"
	case RawStateNoAnswer:
		return callqueue.StatusMissed, callqueue.OutcomeNoAnswer, "no_answer"
	case RawStateRejected:
		// The provider itself refused the call (distinct from a normal
		// failure), the same "rejected" classification
		// original_source/plivo_integration.py keeps apart from
		// "missed"/"busy"/"failed" — surfaced as its own outcome, never
		// having connected, so the internal Status is Missed like Busy
		// and NoAnswer.
		cause := s.HangupCause
		if cause == "" {
			cause = "rejected"
		}
		return callqueue.StatusMissed, callqueue.OutcomeRejected, cause
	case RawStateFailed:
		cause := s.HangupCause
		if cause == "" {
			cause = string(s.RawState)
		}
		return callqueue.StatusFailed, callqueue.OutcomeFailed, cause
	default:
		return callqueue.StatusDispatching, "", s.HangupCause
	}
}

// IsTerminalRawState reports whether the provider considers the call
// over, independent of how the engine classifies the outcome.
func IsTerminalRawState(s RawState) bool {
	switch s {
	case RawStateCompleted, RawStateBusy, RawStateNoAnswer, RawStateFailed, RawStateRejected:
		return true
	default:
		return false
	}
}
