package cancellation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/store"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return store.WithRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, fn)
	})
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec *models.CancellationRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cancellation_records
			(id, job_id, fulfiller_id, cancelled_at, hours_since_acceptance, fee_amount, daily_index, suspension_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.JobID, rec.FulfillerID, rec.CancelledAt, rec.HoursSinceAcceptance,
		rec.FeeAmount, rec.DailyIndex, rec.SuspensionDays)
	return err
}

// CountSince returns how many cancellations the fulfiller has recorded at
// or after the given instant (the start of the current calendar day).
func (r *Repository) CountSince(ctx context.Context, fulfillerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			SELECT count(*) FROM cancellation_records
			WHERE fulfiller_id = $1 AND cancelled_at >= $2
		`, fulfillerID, since).Scan(&n)
	})
	return n, err
}

func (r *Repository) ListByFulfiller(ctx context.Context, fulfillerID uuid.UUID, since time.Time) ([]*models.CancellationRecord, error) {
	var list []*models.CancellationRecord
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, job_id, fulfiller_id, cancelled_at, hours_since_acceptance, fee_amount, daily_index, suspension_days
			FROM cancellation_records
			WHERE fulfiller_id = $1 AND cancelled_at >= $2
			ORDER BY cancelled_at DESC
		`, fulfillerID, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		list = nil
		for rows.Next() {
			var c models.CancellationRecord
			if err := rows.Scan(&c.ID, &c.JobID, &c.FulfillerID, &c.CancelledAt, &c.HoursSinceAcceptance,
				&c.FeeAmount, &c.DailyIndex, &c.SuspensionDays); err != nil {
				return err
			}
			list = append(list, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
