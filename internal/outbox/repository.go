package outbox

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

// maxRetries before a message is parked as failed and left for operator
// attention.
const maxRetries = 10

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AddInTx writes an event in the caller's transaction so it commits or
// rolls back together with the settlement it describes.
func (r *Repository) AddInTx(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_messages (id, topic, message_key, payload, status)
		VALUES ($1, $2, $3, $4, 'pending')
	`, uuid.New(), topic, key, body)
	return err
}

func (r *Repository) ListPending(ctx context.Context, limit int) ([]*models.OutboxMessage, error) {
	var list []*models.OutboxMessage
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, topic, message_key, payload, status, retry_count, created_at, sent_at
			FROM outbox_messages
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		list = nil
		for rows.Next() {
			var m models.OutboxMessage
			if err := rows.Scan(&m.ID, &m.Topic, &m.MessageKey, &m.Payload, &m.Status, &m.RetryCount, &m.CreatedAt, &m.SentAt); err != nil {
				return err
			}
			list = append(list, &m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return store.WithRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			UPDATE outbox_messages SET status = 'sent', sent_at = now() WHERE id = $1
		`, id)
		return err
	})
}

// BumpRetry increments the retry counter, parking the message as failed
// once it exceeds the retry budget.
func (r *Repository) BumpRetry(ctx context.Context, id uuid.UUID) error {
	return store.WithRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			UPDATE outbox_messages
			SET retry_count = retry_count + 1,
				status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE status END
			WHERE id = $1
		`, id, maxRetries)
		return err
	})
}
