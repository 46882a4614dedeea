package queue

import (
	"context"
	"testing"
	"time"

	"github.com/crmkit/impguard/internal/crypto"
)

func TestInMemoryQueue_PublishReceive(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	event := ComplianceEvent{
		ID:         "ev1",
		TenantID:   "t1",
		AdminID:    "admin1",
		Type:       EventViolation,
		OccurredAt: time.Now(),
	}

	if err := q.Publish(ctx, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	events, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Receive() returned %d events, want 1", len(events))
	}
	if events[0].ID != "ev1" || events[0].Type != EventViolation {
		t.Errorf("Receive() = %+v, want ev1/violation", events[0])
	}

	// Receive drains the queue.
	events, _ = q.Receive(ctx, 10)
	if len(events) != 0 {
		t.Errorf("second Receive() returned %d events, want 0", len(events))
	}
}

func TestInMemoryQueue_EncryptsTargetEmail(t *testing.T) {
	enc, err := crypto.NewEncryptor("test-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	q := NewInMemoryQueueWithEncryptor(enc)
	ctx := context.Background()

	event := ComplianceEvent{
		ID:              "ev1",
		TenantID:        "t1",
		AdminID:         "admin1",
		Type:            EventForceTerminated,
		TargetUserEmail: "target@example.com",
		OccurredAt:      time.Now(),
	}

	if err := q.Publish(ctx, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	events := q.GetEvents()
	if len(events) != 1 {
		t.Fatalf("GetEvents() returned %d events, want 1", len(events))
	}
	if events[0].TargetUserEmail == "target@example.com" {
		t.Error("target email should not be stored in plaintext")
	}

	plain, err := enc.Decrypt(events[0].TargetUserEmail)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != "target@example.com" {
		t.Errorf("Decrypt() = %q, want target@example.com", plain)
	}
}
