package db

import (
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func testAttempt(senderId uuid.UUID, activityURI, inboxURI string, due time.Time) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		Id:           uuid.New(),
		ActivityURI:  activityURI,
		InboxURI:     inboxURI,
		ActivityJSON: "{}",
		SenderId:     senderId,
		NextRetryAt:  due,
		State:        domain.DeliveryPending,
		CreatedAt:    time.Now(),
	}
}

func TestEnqueueDeliveryDeduplicates(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	first := testAttempt(acc.Id, "https://example.com/act/1", "https://remote.example/inbox", time.Now())
	if err := database.EnqueueDelivery(first); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	// same (activity, inbox) pair again must be a silent no-op
	dup := testAttempt(acc.Id, "https://example.com/act/1", "https://remote.example/inbox", time.Now())
	if err := database.EnqueueDelivery(dup); err != nil {
		t.Fatalf("Duplicate EnqueueDelivery should not error: %v", err)
	}

	err, stored := database.ReadDeliveryByKey("https://example.com/act/1", "https://remote.example/inbox")
	if err != nil {
		t.Fatalf("ReadDeliveryByKey failed: %v", err)
	}
	if stored.Id != first.Id {
		t.Error("Duplicate enqueue replaced the original attempt")
	}

	err, due := database.ReadDueDeliveries(10)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 1 {
		t.Errorf("Due deliveries = %d, want 1", len(*due))
	}
}

func TestReadDueDeliveriesSkipsFuture(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	past := testAttempt(acc.Id, "https://example.com/act/1", "https://a.example/inbox", time.Now().Add(-time.Minute))
	future := testAttempt(acc.Id, "https://example.com/act/2", "https://b.example/inbox", time.Now().Add(time.Hour))
	if err := database.EnqueueDelivery(past); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}
	if err := database.EnqueueDelivery(future); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	err, due := database.ReadDueDeliveries(10)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 1 {
		t.Fatalf("Due deliveries = %d, want 1", len(*due))
	}
	if (*due)[0].ActivityURI != "https://example.com/act/1" {
		t.Errorf("Wrong attempt returned: %s", (*due)[0].ActivityURI)
	}
}

func TestDeliveryStateTransitions(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	item := testAttempt(acc.Id, "https://example.com/act/1", "https://remote.example/inbox", time.Now())
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	// retry keeps it pending with the error retained
	if err := database.UpdateDeliveryRetry(item.Id, 1, time.Now().Add(time.Minute), "connection refused"); err != nil {
		t.Fatalf("UpdateDeliveryRetry failed: %v", err)
	}
	err, stored := database.ReadDeliveryByKey(item.ActivityURI, item.InboxURI)
	if err != nil {
		t.Fatalf("ReadDeliveryByKey failed: %v", err)
	}
	if stored.State != domain.DeliveryPending || stored.Attempts != 1 || stored.LastError != "connection refused" {
		t.Errorf("After retry: state=%s attempts=%d lastError=%q", stored.State, stored.Attempts, stored.LastError)
	}

	if err := database.MarkDeliveryDead(item.Id, "gone"); err != nil {
		t.Fatalf("MarkDeliveryDead failed: %v", err)
	}
	err, stored = database.ReadDeliveryByKey(item.ActivityURI, item.InboxURI)
	if err != nil {
		t.Fatalf("ReadDeliveryByKey failed: %v", err)
	}
	if stored.State != domain.DeliveryDead || stored.LastError != "gone" {
		t.Errorf("After dead: state=%s lastError=%q", stored.State, stored.LastError)
	}

	// dead attempts are never due again
	err, due := database.ReadDueDeliveries(10)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 0 {
		t.Errorf("Dead attempt still due: %d", len(*due))
	}
}

func TestMarkDeliveryDelivered(t *testing.T) {
	database := newTestDB(t)
	err, acc := database.CreateAccount("alice")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	item := testAttempt(acc.Id, "https://example.com/act/1", "https://remote.example/inbox", time.Now())
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}
	if err := database.MarkDeliveryDelivered(item.Id); err != nil {
		t.Fatalf("MarkDeliveryDelivered failed: %v", err)
	}

	err, stored := database.ReadDeliveryByKey(item.ActivityURI, item.InboxURI)
	if err != nil {
		t.Fatalf("ReadDeliveryByKey failed: %v", err)
	}
	if stored.State != domain.DeliveryDelivered {
		t.Errorf("State = %s, want delivered", stored.State)
	}
}
