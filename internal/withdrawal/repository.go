package withdrawal

import (
	"context"
	"errors"

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

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	return tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, user_id, role, amount, status, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, w.ID, w.UserID, w.Role, w.Amount, w.Status, w.TransactionID).Scan(&w.CreatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx, `
			SELECT id, user_id, role, amount, status, transaction_id, bank_ref, reject_reason, created_at, resolved_at
			FROM withdrawals WHERE id = $1
		`, id).Scan(&w.ID, &w.UserID, &w.Role, &w.Amount, &w.Status, &w.TransactionID, &w.BankRef, &w.RejectReason, &w.CreatedAt, &w.ResolvedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// MarkResolved flips a pending withdrawal to a terminal status; the first
// writer wins.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, bankRef, rejectReason *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, bank_ref = $3, reject_reason = $4, resolved_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, toStatus, bankRef, rejectReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
