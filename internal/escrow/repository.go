package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

// InTx runs fn inside a database transaction, retrying the whole
// transaction on transient connection failures.
func (r *Repository) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return store.WithRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, fn)
	})
}

// Insert persists a new pending record. A second funding attempt for the
// same job hits the primary key and surfaces as ErrConflict.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec *models.EscrowRecord) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO escrow_records
			(job_id, requester_id, amount, commission_fee, requester_rating, policy_version, status, dispute_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rec.JobID, rec.RequesterID, rec.Amount, rec.CommissionFee, rec.RequesterRating,
		rec.PolicyVersion, rec.Status, rec.DisputeDeadline).Scan(&rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

const escrowColumns = `job_id, requester_id, fulfiller_id, amount, commission_fee, requester_rating,
	fulfiller_rating, policy_version, status, compensated_total, accepted_at, dispute_deadline, resolved_at, created_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.JobID, &e.RequesterID, &e.FulfillerID, &e.Amount, &e.CommissionFee, &e.RequesterRating,
		&e.FulfillerRating, &e.PolicyVersion, &e.Status, &e.CompensatedTotal, &e.AcceptedAt, &e.DisputeDeadline,
		&e.ResolvedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) Get(ctx context.Context, jobID uuid.UUID) (*models.EscrowRecord, error) {
	var rec *models.EscrowRecord
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = scanEscrow(r.pool.QueryRow(ctx,
			`SELECT `+escrowColumns+` FROM escrow_records WHERE job_id = $1`, jobID))
		return err
	})
	return rec, err
}

// MarkResolved flips a pending record to a terminal status. The condition
// on the current status makes racing resolutions serialize in the store:
// the first writer wins, the second sees false.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, toStatus string, fulfillerID *uuid.UUID, fulfillerRating *float64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_records
		SET status = $2,
			fulfiller_id = COALESCE($3, fulfiller_id),
			fulfiller_rating = COALESCE($4, fulfiller_rating),
			resolved_at = now()
		WHERE job_id = $1 AND status = 'pending'
	`, jobID, toStatus, fulfillerID, fulfillerRating)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Assign records the accepted fulfiller on a pending, unassigned record.
func (r *Repository) Assign(ctx context.Context, jobID, fulfillerID uuid.UUID, rating float64, acceptedAt time.Time) (bool, error) {
	assigned := false
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE escrow_records
			SET fulfiller_id = $2, fulfiller_rating = $3, accepted_at = $4
			WHERE job_id = $1 AND status = 'pending' AND fulfiller_id IS NULL
		`, jobID, fulfillerID, rating, acceptedAt)
		if err != nil {
			return err
		}
		assigned = tag.RowsAffected() > 0
		return nil
	})
	return assigned, err
}

// Unassign hands a pending record back to the pool after a fulfiller
// cancellation. Funds stay escrowed for the next fulfiller.
func (r *Repository) Unassign(ctx context.Context, tx pgx.Tx, jobID, fulfillerID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_records
		SET fulfiller_id = NULL, fulfiller_rating = NULL, accepted_at = NULL
		WHERE job_id = $1 AND status = 'pending' AND fulfiller_id = $2
	`, jobID, fulfillerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordCompensation books one compensation of the given type against a
// pending record, keeping the running total within the escrowed amount.
// A duplicate type or an exceeded cap both return ErrConflict.
func (r *Repository) RecordCompensation(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, compensationType string, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_compensations (job_id, compensation_type, amount) VALUES ($1, $2, $3)
	`, jobID, compensationType, amount)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_records
		SET compensated_total = compensated_total + $2
		WHERE job_id = $1 AND status = 'pending' AND compensated_total + $2 <= amount
	`, jobID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListExpired returns pending records with an assigned fulfiller whose
// dispute deadline has passed, oldest first.
func (r *Repository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.EscrowRecord, error) {
	var list []*models.EscrowRecord
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT `+escrowColumns+` FROM escrow_records
			WHERE status = 'pending' AND fulfiller_id IS NOT NULL AND dispute_deadline < $1
			ORDER BY dispute_deadline ASC
			LIMIT $2
		`, cutoff, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		list = nil
		for rows.Next() {
			e, err := scanEscrow(rows)
			if err != nil {
				return err
			}
			list = append(list, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}
