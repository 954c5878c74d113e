package ledger

import (
	"context"
	"errors"
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

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// InTx runs fn inside a database transaction, committing on nil error and
// rolling back otherwise. Transient connection failures roll the whole
// transaction back and retry it from the top, so fn must stay free of
// side effects outside the transaction.
func (r *Repository) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return store.WithRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, fn)
	})
}

// ensureAccount creates the (user, role) balance row on first use.
func (r *Repository) ensureAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, role string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO point_accounts (user_id, role, balance) VALUES ($1, $2, 0)
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role)
	return err
}

// ApplyCredit increases the balance and appends the completed transaction
// row carrying the post-mutation balance, all inside the caller's tx.
func (r *Repository) ApplyCredit(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error {
	if err := r.ensureAccount(ctx, tx, t.UserID, t.Role); err != nil {
		return err
	}
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE point_accounts SET balance = balance + $3, updated_at = now()
		WHERE user_id = $1 AND role = $2
		RETURNING balance
	`, t.UserID, t.Role, t.Amount).Scan(&balance)
	if err != nil {
		return err
	}
	t.BalanceAfter = balance
	return r.insertTransaction(ctx, tx, t)
}

// ApplyDebit decreases the balance only if it covers the debit. The check
// and the write are one conditional UPDATE, so two racing debits that
// would jointly overdraw serialize in the database and exactly one fails.
func (r *Repository) ApplyDebit(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error {
	if err := r.ensureAccount(ctx, tx, t.UserID, t.Role); err != nil {
		return err
	}
	magnitude := -t.Amount
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE point_accounts SET balance = balance - $3, updated_at = now()
		WHERE user_id = $1 AND role = $2 AND balance >= $3
		RETURNING balance
	`, t.UserID, t.Role, magnitude).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	t.BalanceAfter = balance
	return r.insertTransaction(ctx, tx, t)
}

func (r *Repository) insertTransaction(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error {
	if t.Status == "" {
		t.Status = models.TxStatusCompleted
	}
	var completedAt *time.Time
	if t.Status == models.TxStatusCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO point_transactions
			(id, user_id, role, tx_type, amount, balance_after, job_id, status, description, request_id, policy_version, rating, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, t.ID, t.UserID, t.Role, t.TxType, t.Amount, t.BalanceAfter, t.JobID, t.Status,
		t.Description, t.RequestID, t.PolicyVersion, t.Rating, completedAt).Scan(&t.CreatedAt)
	if err != nil {
		return err
	}
	t.CompletedAt = completedAt
	return nil
}

// CompleteTransaction finalizes a pending row once the external step it was
// waiting on (e.g. a bank transfer) has succeeded.
func (r *Repository) CompleteTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE point_transactions SET status = 'completed', completed_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTransaction marks a pending row failed and reverses the balance
// hold it took, leaving the account as if the row never ran. Completed
// transactions alone account for the balance, so the failed row drops
// out of replay without a compensating entry.
func (r *Repository) FailTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var userID uuid.UUID
	var role string
	var amount int64
	err := tx.QueryRow(ctx, `
		UPDATE point_transactions SET status = 'failed', completed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING user_id, role, amount
	`, id).Scan(&userID, &role, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE point_accounts SET balance = balance - $3, updated_at = now()
		WHERE user_id = $1 AND role = $2
	`, userID, role, amount)
	return err
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID, role string) (int64, error) {
	var balance int64
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx, `
			SELECT balance FROM point_accounts WHERE user_id = $1 AND role = $2
		`, userID, role).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			balance = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetBalanceDetail recomputes lifetime totals from the completed log rows;
// the totals are derived, not stored.
func (r *Repository) GetBalanceDetail(ctx context.Context, userID uuid.UUID, role string) (*models.BalanceDetail, error) {
	d := &models.BalanceDetail{UserID: userID, Role: role}
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0)
			FROM point_transactions
			WHERE user_id = $1 AND role = $2 AND status = 'completed'
		`, userID, role).Scan(&d.TotalIn, &d.TotalOut)
	})
	if err != nil {
		return nil, err
	}
	balance, err := r.GetBalance(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	d.Balance = balance
	return d, nil
}

func (r *Repository) History(ctx context.Context, userID uuid.UUID, role string, since time.Time) ([]*models.PointTransaction, error) {
	var list []*models.PointTransaction
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, user_id, role, tx_type, amount, balance_after, job_id, status, description, request_id, policy_version, rating, created_at, completed_at
			FROM point_transactions
			WHERE user_id = $1 AND role = $2 AND created_at >= $3
			ORDER BY created_at DESC
		`, userID, role, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		list = nil
		for rows.Next() {
			var t models.PointTransaction
			if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.TxType, &t.Amount, &t.BalanceAfter, &t.JobID, &t.Status,
				&t.Description, &t.RequestID, &t.PolicyVersion, &t.Rating, &t.CreatedAt, &t.CompletedAt); err != nil {
				return err
			}
			list = append(list, &t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// FindByRequestID returns the transaction recorded for an external payment
// reference, or nil when unseen. Used for top-up idempotency.
func (r *Repository) FindByRequestID(ctx context.Context, requestID string) (*models.PointTransaction, error) {
	var t models.PointTransaction
	found := false
	err := store.WithRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx, `
			SELECT id, user_id, role, tx_type, amount, balance_after, job_id, status, description, request_id, policy_version, rating, created_at, completed_at
			FROM point_transactions WHERE request_id = $1
		`, requestID).Scan(&t.ID, &t.UserID, &t.Role, &t.TxType, &t.Amount, &t.BalanceAfter, &t.JobID, &t.Status,
			&t.Description, &t.RequestID, &t.PolicyVersion, &t.Rating, &t.CreatedAt, &t.CompletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err == nil {
			found = true
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &t, nil
}
