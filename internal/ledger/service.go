package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/models"
)

// ErrInsufficientFunds is returned when a debit would take the balance
// below zero. The balance is left untouched.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNotFound is returned for unknown accounts or transactions.
var ErrNotFound = errors.New("not found")

// Store is the minimal persistence interface the ledger service needs.
// *Repository implements it against PostgreSQL; tests provide an
// in-memory fake.
type Store interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	ApplyCredit(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error
	ApplyDebit(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error
	CompleteTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	FailTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetBalance(ctx context.Context, userID uuid.UUID, role string) (int64, error)
	GetBalanceDetail(ctx context.Context, userID uuid.UUID, role string) (*models.BalanceDetail, error)
	History(ctx context.Context, userID uuid.UUID, role string, since time.Time) ([]*models.PointTransaction, error)
	FindByRequestID(ctx context.Context, requestID string) (*models.PointTransaction, error)
}

type Service interface {
	Credit(ctx context.Context, userID uuid.UUID, role string, amount int64, txType string, jobID *uuid.UUID, description string) (*models.PointTransaction, error)
	Debit(ctx context.Context, userID uuid.UUID, role string, amount int64, txType string, jobID *uuid.UUID, description string) (*models.PointTransaction, error)
	Topup(ctx context.Context, userID uuid.UUID, role string, amount int64, requestID, description string) (*models.PointTransaction, error)
	CreditInTx(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error
	DebitInTx(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error
	CompleteInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	FailInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetBalance(ctx context.Context, userID uuid.UUID, role string) (int64, error)
	GetBalanceDetail(ctx context.Context, userID uuid.UUID, role string) (*models.BalanceDetail, error)
	History(ctx context.Context, userID uuid.UUID, role string, since time.Time) ([]*models.PointTransaction, error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

// Credit applies a standalone credit in its own transaction. Credits are
// never rejected for business reasons; only validation or store failures
// surface.
func (s *service) Credit(ctx context.Context, userID uuid.UUID, role string, amount int64, txType string, jobID *uuid.UUID, description string) (*models.PointTransaction, error) {
	t, err := models.NewTransaction(userID, role, txType, amount, jobID, description)
	if err != nil {
		return nil, err
	}
	if t.Amount < 0 {
		return nil, models.ErrInvalidTransaction
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		return s.store.ApplyCredit(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Debit applies a standalone debit in its own transaction, failing with
// ErrInsufficientFunds when the balance does not cover it.
func (s *service) Debit(ctx context.Context, userID uuid.UUID, role string, amount int64, txType string, jobID *uuid.UUID, description string) (*models.PointTransaction, error) {
	t, err := models.NewTransaction(userID, role, txType, amount, jobID, description)
	if err != nil {
		return nil, err
	}
	if t.Amount > 0 {
		return nil, models.ErrInvalidTransaction
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		return s.store.ApplyDebit(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Topup credits a confirmed external payment. The payment reference makes
// it idempotent: replaying the same funding event returns the original
// transaction without touching the balance again.
func (s *service) Topup(ctx context.Context, userID uuid.UUID, role string, amount int64, requestID, description string) (*models.PointTransaction, error) {
	if requestID != "" {
		existing, err := s.store.FindByRequestID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	t, err := models.NewTransaction(userID, role, models.TxTypeTopup, amount, nil, description)
	if err != nil {
		return nil, err
	}
	if requestID != "" {
		t.RequestID = &requestID
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		return s.store.ApplyCredit(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreditInTx and DebitInTx apply a pre-built transaction inside the
// caller's database transaction; escrow, cancellation and withdrawal
// orchestration use these so their own records commit atomically with the
// balance mutation.
func (s *service) CreditInTx(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error {
	return s.store.ApplyCredit(ctx, tx, t)
}

func (s *service) DebitInTx(ctx context.Context, tx pgx.Tx, t *models.PointTransaction) error {
	return s.store.ApplyDebit(ctx, tx, t)
}

func (s *service) CompleteInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return s.store.CompleteTransaction(ctx, tx, id)
}

func (s *service) FailInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return s.store.FailTransaction(ctx, tx, id)
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID, role string) (int64, error) {
	if !models.ValidRole(role) {
		return 0, models.ErrInvalidTransaction
	}
	return s.store.GetBalance(ctx, userID, role)
}

func (s *service) GetBalanceDetail(ctx context.Context, userID uuid.UUID, role string) (*models.BalanceDetail, error) {
	if !models.ValidRole(role) {
		return nil, models.ErrInvalidTransaction
	}
	return s.store.GetBalanceDetail(ctx, userID, role)
}

func (s *service) History(ctx context.Context, userID uuid.UUID, role string, since time.Time) ([]*models.PointTransaction, error) {
	if !models.ValidRole(role) {
		return nil, models.ErrInvalidTransaction
	}
	return s.store.History(ctx, userID, role, since)
}
