package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOutboxSenderDeliversAndMarksSent(t *testing.T) {
	s := NewInMemoryStore()
	var sent []OutboxMessage
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg)
		return nil
	}, time.Second)

	id, err := s.EnqueueOutboxMessage("conv-1", OutboxKindCustomerReply, `{"content":"hola"}`, "")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	sender.Poll(context.Background())

	if len(sent) != 1 || sent[0].ID != id {
		t.Fatalf("sent = %+v; want one message %s", sent, id)
	}
	msgs, _ := s.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10)
	if len(msgs) != 0 {
		t.Errorf("sent message still claimable: %+v", msgs)
	}
}

func TestOutboxSenderRetriesWithBackoff(t *testing.T) {
	s := NewInMemoryStore()
	attempts := 0
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		attempts++
		return errors.New("transport down")
	}, time.Second)

	if _, err := s.EnqueueOutboxMessage("conv-1", OutboxKindOpsAlert, `{}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	sender.Poll(context.Background())
	if attempts != 1 {
		t.Fatalf("attempts = %d; want 1", attempts)
	}

	// Immediately after a failure the retry is in the future: nothing due.
	sender.Poll(context.Background())
	if attempts != 1 {
		t.Errorf("attempts = %d; retry fired before backoff elapsed", attempts)
	}

	msgs, _ := s.ClaimDueOutboxMessages(time.Now().Add(time.Minute), 10)
	if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "transport down" {
		t.Errorf("failed message state = %+v", msgs)
	}
}

func TestOutboxSenderRecoverStaleMessages(t *testing.T) {
	s := NewInMemoryStore()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return nil
	}, time.Second)
	sender.staleThreshold = -time.Minute // everything locked counts as stale

	if _, err := s.EnqueueOutboxMessage("conv-1", OutboxKindStaffNote, `{}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if _, err := s.ClaimDueOutboxMessages(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}

	if err := sender.RecoverStaleMessages(); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}

	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 {
		t.Errorf("stale message not requeued: %+v", msgs)
	}
}
