package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pointledger/backend/internal/models"
)

type fakeOutboxStore struct {
	mu       sync.Mutex
	messages []*models.OutboxMessage
}

func (f *fakeOutboxStore) add(topic string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &models.OutboxMessage{
		ID:         uuid.New(),
		Topic:      topic,
		MessageKey: uuid.NewString(),
		Payload:    []byte(`{}`),
		Status:     models.OutboxStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	f.messages = append(f.messages, m)
	return m.ID
}

func (f *fakeOutboxStore) ListPending(_ context.Context, limit int) ([]*models.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OutboxMessage
	for _, m := range f.messages {
		if m.Status == models.OutboxStatusPending {
			cp := *m
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOutboxStore) MarkSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			m.Status = models.OutboxStatusSent
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeOutboxStore) BumpRetry(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			m.RetryCount++
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeOutboxStore) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m.Status
		}
	}
	return ""
}

func (f *fakeOutboxStore) retries(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m.RetryCount
		}
	}
	return 0
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failTopic string
}

func (f *fakePublisher) Publish(topic, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, topic)
	return nil
}

func TestOutboxSendWorkerDrainsPending(t *testing.T) {
	store := &fakeOutboxStore{}
	first := store.add(models.EventEscrowReleased)
	second := store.add(models.EventWithdrawalApproved)
	pub := &fakePublisher{}

	w := NewOutboxSendWorker(store, pub, 10, nil)
	if err := w.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if store.status(first) != models.OutboxStatusSent || store.status(second) != models.OutboxStatusSent {
		t.Error("all pending messages should be marked sent")
	}
	if len(pub.published) != 2 {
		t.Errorf("published: got %d, want 2", len(pub.published))
	}

	// A second run finds nothing left.
	if err := w.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work rerun: %v", err)
	}
	if len(pub.published) != 2 {
		t.Error("drained messages must not be republished")
	}
}

func TestOutboxSendWorkerRetriesFailures(t *testing.T) {
	store := &fakeOutboxStore{}
	stuck := store.add(models.EventEscrowRefunded)
	fine := store.add(models.EventEscrowReleased)
	pub := &fakePublisher{failTopic: models.EventEscrowRefunded}

	w := NewOutboxSendWorker(store, pub, 10, nil)
	if err := w.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work: %v", err)
	}

	// The failing message stays pending with a bumped retry counter; the
	// healthy one still goes out.
	if store.status(stuck) != models.OutboxStatusPending {
		t.Errorf("failed message status: got %q, want pending", store.status(stuck))
	}
	if store.retries(stuck) != 1 {
		t.Errorf("retry count: got %d, want 1", store.retries(stuck))
	}
	if store.status(fine) != models.OutboxStatusSent {
		t.Errorf("healthy message status: got %q, want sent", store.status(fine))
	}
}
