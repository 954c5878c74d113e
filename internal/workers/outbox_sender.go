package workers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pointledger/backend/internal/models"
)

type OutboxSendArgs struct{}

func (OutboxSendArgs) Kind() string { return "outbox_send" }

// OutboxStore is the slice of the outbox repository the sender needs.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]*models.OutboxMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	BumpRetry(ctx context.Context, id uuid.UUID) error
}

// EventPublisher sends one message to the broker.
type EventPublisher interface {
	Publish(topic, key string, value []byte) error
}

// OutboxSendWorker drains pending outbox rows to Kafka. At-least-once:
// a crash between publish and MarkSent republishes, so consumers key on
// the message key for dedup.
type OutboxSendWorker struct {
	river.WorkerDefaults[OutboxSendArgs]
	store     OutboxStore
	publisher EventPublisher
	batchSize int
	log       *slog.Logger
}

func NewOutboxSendWorker(store OutboxStore, publisher EventPublisher, batchSize int, log *slog.Logger) *OutboxSendWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &OutboxSendWorker{store: store, publisher: publisher, batchSize: batchSize, log: log}
}

func (w *OutboxSendWorker) Work(ctx context.Context, job *river.Job[OutboxSendArgs]) error {
	pending, err := w.store.ListPending(ctx, w.batchSize)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if err := w.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			w.log.Error("outbox publish failed", "message_id", msg.ID, "topic", msg.Topic, "error", err)
			if err := w.store.BumpRetry(ctx, msg.ID); err != nil {
				return err
			}
			continue
		}
		if err := w.store.MarkSent(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}
