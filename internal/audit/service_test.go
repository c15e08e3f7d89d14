package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresCallIDAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeJobRetried}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: "A1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogRetry(context.Background(), "A1", 1, 3); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].CallID != "A1" {
		t.Fatalf("expected call_id captured")
	}
	if evs[0].Type != EventTypeJobRetried {
		t.Fatalf("expected job_retried")
	}
}

func TestService_LogSyntheticTerminal(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogSyntheticTerminal(context.Background(), "A1", "stuck-call deadline exceeded"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != EventTypeSyntheticTerminal {
		t.Fatalf("expected synthetic_terminal event, got %+v", evs)
	}
}
