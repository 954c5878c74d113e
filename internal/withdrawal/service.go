package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown withdrawal ids.
	ErrNotFound = errors.New("withdrawal not found")
	// ErrConflict is returned when approving/rejecting a withdrawal that
	// was already resolved the other way.
	ErrConflict = errors.New("withdrawal already resolved")
	// ErrBadConfirmation is returned when the payout provider's
	// confirmation token does not verify.
	ErrBadConfirmation = errors.New("invalid payout confirmation")
)

var errStateChanged = errors.New("withdrawal state changed concurrently")

// Store is the withdrawal persistence interface.
type Store interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	Insert(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, bankRef, rejectReason *string) (bool, error)
}

// OutboxWriter appends a settlement event in the caller's transaction.
type OutboxWriter interface {
	AddInTx(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error
}

type Service interface {
	Request(ctx context.Context, userID uuid.UUID, role string, amount int64) (*models.Withdrawal, error)
	Approve(ctx context.Context, id uuid.UUID, bankRef, confirmationToken string) error
	Reject(ctx context.Context, id uuid.UUID, reason string) error
	Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
}

type service struct {
	store     Store
	ledger    ledger.Service
	outbox    OutboxWriter
	jwtSecret []byte
	log       *slog.Logger
}

// NewService builds the withdrawal service. jwtSecret is the shared HS256
// key the payout provider signs confirmation tokens with; empty disables
// verification (local development).
func NewService(store Store, ledgerSvc ledger.Service, outbox OutboxWriter, jwtSecret string, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &service{store: store, ledger: ledgerSvc, outbox: outbox, jwtSecret: secret, log: log}
}

var _ Service = (*service)(nil)

// Request debits the amount immediately so it cannot be double-spent while
// the bank transfer is in flight. The transaction stays pending until the
// provider confirms or rejects; failing the pending debit on rejection
// reverses its hold, so the completed log keeps matching the balance.
func (s *service) Request(ctx context.Context, userID uuid.UUID, role string, amount int64) (*models.Withdrawal, error) {
	debit, err := models.NewTransaction(userID, role, models.TxTypeWithdrawalDebit, amount, nil, "withdrawal request")
	if err != nil {
		return nil, err
	}
	debit.Status = models.TxStatusPending
	w := &models.Withdrawal{
		ID:            uuid.New(),
		UserID:        userID,
		Role:          role,
		Amount:        amount,
		Status:        models.WithdrawalStatusPending,
		TransactionID: debit.ID,
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.ledger.DebitInTx(ctx, tx, debit); err != nil {
			return err
		}
		return s.store.Insert(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Approve finalizes a withdrawal after the payout provider confirmed the
// bank transfer. Retrying an approved withdrawal is a no-op.
func (s *service) Approve(ctx context.Context, id uuid.UUID, bankRef, confirmationToken string) error {
	if err := s.verifyConfirmation(id, confirmationToken); err != nil {
		return err
	}
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalStatusPending {
		if w.Status == models.WithdrawalStatusApproved {
			return nil
		}
		return ErrConflict
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		flipped, err := s.store.MarkResolved(ctx, tx, id, models.WithdrawalStatusApproved, &bankRef, nil)
		if err != nil {
			return err
		}
		if !flipped {
			return errStateChanged
		}
		if err := s.ledger.CompleteInTx(ctx, tx, w.TransactionID); err != nil {
			return err
		}
		return s.outbox.AddInTx(ctx, tx, models.EventWithdrawalApproved, id.String(), approvedEvent{
			WithdrawalID: id,
			UserID:       w.UserID,
			Role:         w.Role,
			Amount:       w.Amount,
			BankRef:      bankRef,
		})
	})
	if errors.Is(err, errStateChanged) {
		w, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == models.WithdrawalStatusApproved {
			return nil
		}
		return ErrConflict
	}
	return err
}

// Reject fails the pending debit, which reverses the hold it placed on
// the balance. Retrying a rejected withdrawal is a no-op.
func (s *service) Reject(ctx context.Context, id uuid.UUID, reason string) error {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != models.WithdrawalStatusPending {
		if w.Status == models.WithdrawalStatusRejected {
			return nil
		}
		return ErrConflict
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		flipped, err := s.store.MarkResolved(ctx, tx, id, models.WithdrawalStatusRejected, nil, &reason)
		if err != nil {
			return err
		}
		if !flipped {
			return errStateChanged
		}
		return s.ledger.FailInTx(ctx, tx, w.TransactionID)
	})
	if errors.Is(err, errStateChanged) {
		w, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == models.WithdrawalStatusRejected {
			return nil
		}
		return ErrConflict
	}
	return err
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return s.store.Get(ctx, id)
}

// verifyConfirmation checks the provider's HS256 token binds to this
// withdrawal id.
func (s *service) verifyConfirmation(id uuid.UUID, token string) error {
	if s.jwtSecret == nil {
		return nil
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfirmation, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrBadConfirmation
	}
	if wid, _ := claims["withdrawal_id"].(string); wid != id.String() {
		return fmt.Errorf("%w: token bound to a different withdrawal", ErrBadConfirmation)
	}
	return nil
}

type approvedEvent struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	Role         string    `json:"role"`
	Amount       int64     `json:"amount"`
	BankRef      string    `json:"bank_ref"`
}
