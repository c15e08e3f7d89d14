package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// PlivoClient is the production Provider adapter, grounded on
// original_source/plivo_integration.py's call-create/status-check
// shape but stripped of the agent-notification and polling loop that
// belong to the Call Supervisor, not the transport adapter.
type PlivoClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	authID     string
	authToken  string
	fromNumber string
}

// PlivoConfig carries the credentials and endpoint the client needs.
// baseURL defaults to Plivo's production API host when empty.
type PlivoConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	// Timeout is the per-request HTTP timeout (spec's request_timeout_seconds).
	// Defaults to 15s when zero.
	Timeout time.Duration
}

func NewPlivoClient(cfg PlivoConfig) *PlivoClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://api.plivo.com/v1/Account/%s", cfg.AccountSID)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "plivo",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
	return &PlivoClient{
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		baseURL:    baseURL,
		authID:     cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
	}
}

type plivoCallRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AnswerURL    string `json:"answer_url"`
	AnswerMethod string `json:"answer_method"`
	HangupURL    string `json:"hangup_url"`
	HangupMethod string `json:"hangup_method"`
}

type plivoCallResponse struct {
	RequestUUID string `json:"request_uuid"`
	Message     string `json:"message"`
	APIID       string `json:"api_id"`
}

// withJobID appends the job id from req.Extras as a query parameter, the
// way original_source/plivo_integration.py's answer_url identifies which
// queued call a Plivo webhook belongs to, since Plivo answer/hangup
// callbacks carry no field of their own for caller-supplied metadata.
func withJobID(rawURL string, extras map[string]string) string {
	jobID := extras["job_id"]
	if jobID == "" || rawURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("job_id", jobID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *PlivoClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	answerURL := withJobID(req.AnswerURL, req.Extras)
	body, err := json.Marshal(plivoCallRequest{
		From:         c.fromNumber,
		To:           req.Phone,
		AnswerURL:    answerURL,
		AnswerMethod: "POST",
		HangupURL:    answerURL,
		HangupMethod: "POST",
	})
	if err != nil {
		return InitiateResult{}, &ProviderError{Class: ClassPermanent, Message: "encode initiate request", Cause: err}
	}

	status, respBody, err := c.doThroughBreaker(ctx, http.MethodPost, c.baseURL+"/Call/", body)
	if err != nil {
		return InitiateResult{}, err
	}
	if status >= 400 {
		return InitiateResult{}, classifyHTTPError(status, "initiate call", respBody)
	}

	var parsed plivoCallResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return InitiateResult{}, &ProviderError{Class: ClassTransient, Message: "decode initiate response", Cause: err}
	}
	if parsed.RequestUUID == "" {
		return InitiateResult{}, &ProviderError{Class: ClassTransient, Message: "provider returned no call uuid"}
	}

	return InitiateResult{ProviderUUID: parsed.RequestUUID, RawState: RawStateQueued}, nil
}

type plivoStatusResponse struct {
	CallStatus      string `json:"call_status"`
	CallState       string `json:"call_state"`
	HangupCause     string `json:"hangup_cause_name"`
	CallDuration    string `json:"call_duration"`
	AnswerTime      string `json:"answer_time"`
	EndTime         string `json:"end_time"`
}

func (c *PlivoClient) Status(ctx context.Context, providerUUID string) (StatusResult, error) {
	status, respBody, err := c.doThroughBreaker(ctx, http.MethodGet, c.baseURL+"/Call/"+providerUUID+"/", nil)
	if err != nil {
		return StatusResult{}, err
	}
	if status >= 400 {
		return StatusResult{}, classifyHTTPError(status, "fetch call status", respBody)
	}

	var parsed plivoStatusResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return StatusResult{}, &ProviderError{Class: ClassTransient, Message: "decode status response", Cause: err}
	}

	raw := RawState(parsed.CallStatus)
	if raw == "" {
		raw = RawState(parsed.CallState)
	}

	var duration int
	fmt.Sscanf(parsed.CallDuration, "%d", &duration)

	var endedAt *time.Time
	if parsed.EndTime != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", parsed.EndTime); err == nil {
			endedAt = &t
		}
	}

	return StatusResult{
		RawState:        raw,
		HangupCause:     parsed.HangupCause,
		DurationSeconds: duration,
		Answered:        parsed.AnswerTime != "",
		EndedAt:         endedAt,
	}, nil
}

// httpOutcome carries a completed response's status and body out of the
// breaker's closure, since resp.Body can't be read a second time once
// Execute returns.
type httpOutcome struct {
	status int
	body   []byte
}

// doThroughBreaker reads the response and its body inside the breaker's
// closure so a 5xx counts toward ReadyToTrip's failure ratio the same as
// a transport-level error: gobreaker only sees a request as failed when
// the closure itself returns a non-nil error, and Do returning a readable
// response with a 5xx status is otherwise indistinguishable from success.
func (c *PlivoClient) doThroughBreaker(ctx context.Context, method, url string, body []byte) (status int, respBody []byte, err error) {
	result, breakerErr := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		httpReq.SetBasicAuth(c.authID, c.authToken)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		outcome := httpOutcome{status: resp.StatusCode, body: b}
		if resp.StatusCode >= 500 {
			return outcome, fmt.Errorf("provider returned %d", resp.StatusCode)
		}
		return outcome, nil
	})

	outcome, ok := result.(httpOutcome)
	if !ok {
		if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
			return 0, nil, &ProviderError{Class: ClassTransient, Message: "provider circuit open", Cause: breakerErr}
		}
		return 0, nil, &ProviderError{Class: ClassTransient, Message: "provider request failed", Cause: breakerErr}
	}
	// A 5xx outcome still surfaces its status/body to the caller for
	// classifyHTTPError, rather than the generic breakerErr, even though
	// it also counted as a breaker failure above.
	return outcome.status, outcome.body, nil
}

// classifyHTTPError follows the spec's rule that non-2xx responses
// surface as Transient (worth retrying) unless the provider is telling
// us the request itself was malformed, which no amount of retrying
// will fix.
func classifyHTTPError(status int, action string, body []byte) *ProviderError {
	class := ClassTransient
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		class = ClassPermanent
	}
	return &ProviderError{
		Class:   class,
		Message: fmt.Sprintf("%s: provider returned %d: %s", action, status, string(body)),
	}
}
