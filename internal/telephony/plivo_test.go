package telephony

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPlivoClient_InitiateReturnsProviderUUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_uuid":"abc-123","message":"call fired"}`))
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	res, err := c.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AnswerURL: "https://agent.example/answer"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.ProviderUUID != "abc-123" {
		t.Fatalf("expected provider uuid abc-123, got %q", res.ProviderUUID)
	}
}

func TestPlivoClient_InitiateCarriesJobIDOnAnswerURL(t *testing.T) {
	var capturedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		capturedBody = string(raw)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"request_uuid":"abc-123"}`))
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	_, err := c.Initiate(context.Background(), InitiateRequest{
		Phone:     "+15551234567",
		AnswerURL: "https://agent.example/outbound-answer",
		Extras:    map[string]string{"job_id": "job-42"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	var parsed plivoCallRequest
	if err := json.Unmarshal([]byte(capturedBody), &parsed); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if !strings.Contains(parsed.AnswerURL, "job_id=job-42") {
		t.Fatalf("expected job_id threaded into answer_url, got %q", parsed.AnswerURL)
	}
	if !strings.Contains(parsed.HangupURL, "job_id=job-42") {
		t.Fatalf("expected job_id threaded into hangup_url, got %q", parsed.HangupURL)
	}
}

func TestPlivoClient_PermanentErrorOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid phone number"}`))
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	_, err := c.Initiate(context.Background(), InitiateRequest{Phone: "bad", AnswerURL: "https://agent.example/answer"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *ProviderError
	if !asProviderError(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if perr.Transient() {
		t.Fatalf("400 responses must classify as permanent")
	}
}

func TestPlivoClient_TransientErrorOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	_, err := c.Initiate(context.Background(), InitiateRequest{Phone: "+15551234567", AnswerURL: "https://agent.example/answer"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *ProviderError
	if !asProviderError(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if !perr.Transient() {
		t.Fatalf("503 responses must classify as transient")
	}
}

func TestPlivoClient_Sustained5xxTripsBreaker(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	for i := 0; i < 5; i++ {
		if _, err := c.Status(context.Background(), "abc-123"); err == nil {
			t.Fatalf("expected an error on 503 response")
		}
	}

	seenBefore := requests
	_, err := c.Status(context.Background(), "abc-123")
	if err == nil {
		t.Fatalf("expected an error once the breaker is open")
	}
	var perr *ProviderError
	if !asProviderError(err, &perr) || !strings.Contains(perr.Message, "circuit open") {
		t.Fatalf("expected a circuit-open error once 5xx responses trip the breaker, got %v", err)
	}
	if requests != seenBefore {
		t.Fatalf("expected the open breaker to short-circuit the request instead of hitting the server again")
	}
}

func TestPlivoClient_StatusParsesDurationAndCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "abc-123") {
			t.Errorf("expected provider uuid in path, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"call_status":"completed","hangup_cause_name":"NORMAL_CLEARING","call_duration":"42","answer_time":"2024-01-01 00:00:01"}`))
	}))
	defer srv.Close()

	c := NewPlivoClient(PlivoConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: srv.URL})
	res, err := c.Status(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.RawState != RawStateCompleted || res.DurationSeconds != 42 || !res.Answered {
		t.Fatalf("unexpected status result: %+v", res)
	}
}

func asProviderError(err error, target **ProviderError) bool {
	if pe, ok := err.(*ProviderError); ok {
		*target = pe
		return true
	}
	return false
}
