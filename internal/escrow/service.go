package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/policy"
)

var (
	// ErrNotFound is returned for jobs with no escrow record.
	ErrNotFound = errors.New("escrow record not found")
	// ErrConflict is returned when a transition is not permitted from the
	// record's current state, or a compensation would double-book.
	ErrConflict = errors.New("escrow state conflict")
)

// errStateChanged signals inside a transaction that the conditional flip
// lost a race; the caller re-reads and decides between no-op and conflict.
var errStateChanged = errors.New("escrow state changed concurrently")

// DefaultCompensationBps applies when a compensation request carries no
// rate override.
const DefaultCompensationBps = 3000

// Store is the escrow persistence interface. *Repository implements it;
// tests provide an in-memory fake.
type Store interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	Insert(ctx context.Context, tx pgx.Tx, rec *models.EscrowRecord) error
	Get(ctx context.Context, jobID uuid.UUID) (*models.EscrowRecord, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, toStatus string, fulfillerID *uuid.UUID, fulfillerRating *float64) (bool, error)
	Assign(ctx context.Context, jobID, fulfillerID uuid.UUID, rating float64, acceptedAt time.Time) (bool, error)
	Unassign(ctx context.Context, tx pgx.Tx, jobID, fulfillerID uuid.UUID) (bool, error)
	RecordCompensation(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, compensationType string, amount int64) error
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.EscrowRecord, error)
}

// OutboxWriter appends a settlement event in the caller's transaction.
type OutboxWriter interface {
	AddInTx(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error
}

type Service interface {
	Fund(ctx context.Context, jobID, requesterID uuid.UUID, amount int64, requesterRating float64) (*models.EscrowRecord, error)
	Assign(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64, acceptedAt time.Time) error
	Release(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64) error
	Refund(ctx context.Context, jobID uuid.UUID, reason string) error
	Compensate(ctx context.Context, jobID, fulfillerID uuid.UUID, compensationType string, referenceFee int64, rateOverrideBps *int, fulfillerRating float64) (int64, error)
	AutoResolve(ctx context.Context) (int, error)
	Status(ctx context.Context, jobID uuid.UUID) (*models.EscrowRecord, error)
}

type service struct {
	store         Store
	ledger        ledger.Service
	policies      policy.Provider
	outbox        OutboxWriter
	disputeWindow time.Duration
	sweepBatch    int
	log           *slog.Logger
}

func NewService(store Store, ledgerSvc ledger.Service, policies policy.Provider, outbox OutboxWriter, disputeWindow time.Duration, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		store:         store,
		ledger:        ledgerSvc,
		policies:      policies,
		outbox:        outbox,
		disputeWindow: disputeWindow,
		sweepBatch:    100,
		log:           log,
	}
}

var _ Service = (*service)(nil)

// Fund debits the requester amount plus commission and creates the pending
// record in one transaction. If the debit fails nothing is persisted; if
// record persistence fails the debit rolls back with it.
func (s *service) Fund(ctx context.Context, jobID, requesterID uuid.UUID, amount int64, requesterRating float64) (*models.EscrowRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: escrow amount must be positive", models.ErrInvalidTransaction)
	}
	snap := s.policies.Current()
	fee := policy.Fee(amount, snap.CommissionBps(requesterRating))
	now := time.Now().UTC()
	rec := &models.EscrowRecord{
		JobID:           jobID,
		RequesterID:     requesterID,
		Amount:          amount,
		CommissionFee:   fee,
		RequesterRating: requesterRating,
		PolicyVersion:   snap.Version,
		Status:          models.EscrowStatusPending,
		DisputeDeadline: now.Add(s.disputeWindow),
	}
	debit, err := models.NewTransaction(requesterID, models.RoleRequester, models.TxTypeEscrowDebit, amount+fee, &jobID, "escrow hold")
	if err != nil {
		return nil, err
	}
	debit.PolicyVersion = &snap.Version
	debit.Rating = &requesterRating
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.Insert(ctx, tx, rec); err != nil {
			return err
		}
		return s.ledger.DebitInTx(ctx, tx, debit)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Assign records the accepted fulfiller. Re-assigning the same fulfiller
// is a no-op; anything else on a pending record is a conflict.
func (s *service) Assign(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64, acceptedAt time.Time) error {
	ok, err := s.store.Assign(ctx, jobID, fulfillerID, fulfillerRating, acceptedAt.UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status == models.EscrowStatusPending && rec.FulfillerID != nil && *rec.FulfillerID == fulfillerID {
		return nil
	}
	return ErrConflict
}

// Release pays the escrowed amount minus the fulfiller's commission and
// marks the record released. Retrying a completed release for the same
// fulfiller succeeds without a second payout.
func (s *service) Release(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64) error {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return s.terminalRetryResult(rec, models.EscrowStatusReleased, &fulfillerID)
	}
	snap := s.policies.Current()
	fee := policy.Fee(rec.Amount, snap.CommissionBps(fulfillerRating))
	payout := rec.Amount - fee
	// A commission band at the full rate consumes the whole amount; the
	// record still resolves, just without a credit row.
	var credit *models.PointTransaction
	if payout > 0 {
		credit, err = models.NewTransaction(fulfillerID, models.RoleFulfiller, models.TxTypeReleaseCredit, payout, &jobID, "escrow release")
		if err != nil {
			return err
		}
		credit.PolicyVersion = &snap.Version
		credit.Rating = &fulfillerRating
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		flipped, err := s.store.MarkResolved(ctx, tx, jobID, models.EscrowStatusReleased, &fulfillerID, &fulfillerRating)
		if err != nil {
			return err
		}
		if !flipped {
			return errStateChanged
		}
		if credit != nil {
			if err := s.ledger.CreditInTx(ctx, tx, credit); err != nil {
				return err
			}
		}
		return s.outbox.AddInTx(ctx, tx, models.EventEscrowReleased, jobID.String(), releasedEvent{
			JobID:       jobID,
			FulfillerID: fulfillerID,
			Amount:      rec.Amount,
			Fee:         fee,
			Payout:      payout,
		})
	})
	if errors.Is(err, errStateChanged) {
		rec, err = s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return s.terminalRetryResult(rec, models.EscrowStatusReleased, &fulfillerID)
	}
	return err
}

// Refund returns what is still escrowed to the requester: amount plus the
// fee recorded at funding time, minus any compensation already paid out.
// A record that paid compensation resolves to compensated rather than
// refunded, so its history shows the payout was not a clean round trip.
func (s *service) Refund(ctx context.Context, jobID uuid.UUID, reason string) error {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	toStatus := models.EscrowStatusRefunded
	if rec.CompensatedTotal > 0 {
		toStatus = models.EscrowStatusCompensated
	}
	if rec.Terminal() {
		return s.terminalRetryResult(rec, toStatus, nil)
	}
	refund := rec.Amount + rec.CommissionFee - rec.CompensatedTotal
	var credit *models.PointTransaction
	if refund > 0 {
		credit, err = models.NewTransaction(rec.RequesterID, models.RoleRequester, models.TxTypeRefundCredit, refund, &jobID, "escrow refund: "+reason)
		if err != nil {
			return err
		}
		credit.PolicyVersion = &rec.PolicyVersion
		credit.Rating = &rec.RequesterRating
	}
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		flipped, err := s.store.MarkResolved(ctx, tx, jobID, toStatus, nil, nil)
		if err != nil {
			return err
		}
		if !flipped {
			return errStateChanged
		}
		if credit != nil {
			if err := s.ledger.CreditInTx(ctx, tx, credit); err != nil {
				return err
			}
		}
		return s.outbox.AddInTx(ctx, tx, models.EventEscrowRefunded, jobID.String(), refundedEvent{
			JobID:       jobID,
			RequesterID: rec.RequesterID,
			Amount:      refund,
			Reason:      reason,
		})
	})
	if errors.Is(err, errStateChanged) {
		rec, err = s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return s.terminalRetryResult(rec, toStatus, nil)
	}
	return err
}

// Compensate pays the fulfiller for wasted effort without resolving the
// escrow; the job is typically rescheduled or separately refunded later.
// Each compensation type applies at most once per job, and the running
// total is capped at the escrowed amount. Returns the credited amount.
func (s *service) Compensate(ctx context.Context, jobID, fulfillerID uuid.UUID, compensationType string, referenceFee int64, rateOverrideBps *int, fulfillerRating float64) (int64, error) {
	if !models.ValidCompensationType(compensationType) {
		return 0, fmt.Errorf("%w: unknown compensation type %q", models.ErrInvalidTransaction, compensationType)
	}
	if referenceFee <= 0 {
		return 0, fmt.Errorf("%w: reference fee must be positive", models.ErrInvalidTransaction)
	}
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if rec.Terminal() {
		return 0, ErrConflict
	}
	rate := DefaultCompensationBps
	if rateOverrideBps != nil {
		rate = *rateOverrideBps
	}
	snap := s.policies.Current()
	compensation := policy.Fee(referenceFee, rate)
	commission := policy.Fee(compensation, snap.CommissionBps(fulfillerRating))
	payout := compensation - commission
	if payout <= 0 {
		return 0, fmt.Errorf("%w: compensation of %d is consumed by commission", models.ErrInvalidTransaction, compensation)
	}
	credit, err := models.NewTransaction(fulfillerID, models.RoleFulfiller, models.TxTypeCompensationCredit, payout, &jobID, "compensation: "+compensationType)
	if err != nil {
		return 0, err
	}
	credit.PolicyVersion = &snap.Version
	credit.Rating = &fulfillerRating
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.RecordCompensation(ctx, tx, jobID, compensationType, compensation); err != nil {
			return err
		}
		if err := s.ledger.CreditInTx(ctx, tx, credit); err != nil {
			return err
		}
		return s.outbox.AddInTx(ctx, tx, models.EventEscrowCompensated, jobID.String(), compensatedEvent{
			JobID:            jobID,
			FulfillerID:      fulfillerID,
			CompensationType: compensationType,
			Amount:           payout,
		})
	})
	if err != nil {
		return 0, err
	}
	return payout, nil
}

// AutoResolve releases pending records past their dispute deadline to the
// recorded fulfiller. Safe to re-run and to race manual resolutions: the
// first writer wins and the sweep treats a lost race as already handled.
func (s *service) AutoResolve(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, time.Now().UTC(), s.sweepBatch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, rec := range expired {
		if rec.FulfillerID == nil {
			continue
		}
		rating := 0.0
		if rec.FulfillerRating != nil {
			rating = *rec.FulfillerRating
		}
		err := s.Release(ctx, rec.JobID, *rec.FulfillerID, rating)
		switch {
		case err == nil:
			released++
			s.log.Info("escrow auto-released past dispute deadline", "job_id", rec.JobID, "fulfiller_id", *rec.FulfillerID)
		case errors.Is(err, ErrConflict):
			// Manually resolved between listing and release.
		default:
			s.log.Error("escrow auto-release failed", "job_id", rec.JobID, "error", err)
		}
	}
	return released, nil
}

func (s *service) Status(ctx context.Context, jobID uuid.UUID) (*models.EscrowRecord, error) {
	return s.store.Get(ctx, jobID)
}

// terminalRetryResult decides whether a resolution call against an already
// terminal record is an idempotent retry (no-op success) or a conflict.
func (s *service) terminalRetryResult(rec *models.EscrowRecord, wantStatus string, fulfillerID *uuid.UUID) error {
	if rec.Status != wantStatus {
		return ErrConflict
	}
	if fulfillerID != nil {
		if rec.FulfillerID == nil || *rec.FulfillerID != *fulfillerID {
			return ErrConflict
		}
	}
	return nil
}

type releasedEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	FulfillerID uuid.UUID `json:"fulfiller_id"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee"`
	Payout      int64     `json:"payout"`
}

type refundedEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	RequesterID uuid.UUID `json:"requester_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
}

type compensatedEvent struct {
	JobID            uuid.UUID `json:"job_id"`
	FulfillerID      uuid.UUID `json:"fulfiller_id"`
	CompensationType string    `json:"compensation_type"`
	Amount           int64     `json:"amount"`
}
