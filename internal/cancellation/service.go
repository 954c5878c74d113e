package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/escrow"
	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/policy"
)

// ErrForbidden is returned when the caller is not the assigned fulfiller
// of an accepted, still-pending job.
var ErrForbidden = errors.New("cancellation not permitted")

// Store is the cancellation persistence interface; *Repository implements
// it, tests fake it.
type Store interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	Insert(ctx context.Context, tx pgx.Tx, rec *models.CancellationRecord) error
	CountSince(ctx context.Context, fulfillerID uuid.UUID, since time.Time) (int, error)
}

// EscrowAccess is the slice of the escrow layer the engine needs: read the
// record and hand an assignment back within the engine's transaction.
type EscrowAccess interface {
	Get(ctx context.Context, jobID uuid.UUID) (*models.EscrowRecord, error)
	Unassign(ctx context.Context, tx pgx.Tx, jobID, fulfillerID uuid.UUID) (bool, error)
}

// Locker serializes cancellation decisions per fulfiller.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Result reports what a successful cancellation did.
type Result struct {
	FeeCharged           int64   `json:"fee_charged"`
	DailyIndex           int     `json:"daily_index"`
	HoursSinceAcceptance float64 `json:"hours_since_acceptance"`
	SuspensionDays       int     `json:"suspension_days"`
	PolicyVersion        int     `json:"policy_version"`
}

type Service interface {
	Cancel(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64, jobReferenceAmount int64) (*Result, error)
}

type service struct {
	store    Store
	escrows  EscrowAccess
	ledger   ledger.Service
	policies policy.Provider
	locks    Locker
	log      *slog.Logger
}

func NewService(store Store, escrows EscrowAccess, ledgerSvc ledger.Service, policies policy.Provider, locks Locker, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, escrows: escrows, ledger: ledgerSvc, policies: policies, locks: locks, log: log}
}

var _ Service = (*service)(nil)

// Cancel applies the fulfiller-cancellation policy: free inside both the
// time window and the daily allowance, otherwise a fee debited up front.
// If the fulfiller cannot cover the fee the whole cancellation fails and
// the job keeps its assignment. The fee applies exactly once even when
// both allowances are exceeded.
func (s *service) Cancel(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64, jobReferenceAmount int64) (*Result, error) {
	if jobReferenceAmount <= 0 {
		return nil, fmt.Errorf("%w: job reference amount must be positive", models.ErrInvalidTransaction)
	}
	var result *Result
	err := s.locks.WithLock(ctx, lockKey(fulfillerID), func() error {
		var err error
		result, err = s.cancel(ctx, jobID, fulfillerID, fulfillerRating, jobReferenceAmount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) cancel(ctx context.Context, jobID, fulfillerID uuid.UUID, fulfillerRating float64, jobReferenceAmount int64) (*Result, error) {
	rec, err := s.escrows.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.EscrowStatusPending || rec.FulfillerID == nil || *rec.FulfillerID != fulfillerID || rec.AcceptedAt == nil {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	hours := now.Sub(*rec.AcceptedAt).Hours()
	todayCount, err := s.store.CountSince(ctx, fulfillerID, startOfDay(now))
	if err != nil {
		return nil, err
	}
	dailyIndex := todayCount + 1

	snap := s.policies.Current()
	rules := snap.Cancellation
	chargeable := hours > rules.MaxFreeCancellationHours || dailyIndex > rules.MaxDailyFreeCancellations

	var fee int64
	suspensionDays := 0
	if chargeable {
		fee = policy.Fee(jobReferenceAmount, rules.FeeRateBps)
		suspensionDays = snap.SuspensionDays(fulfillerRating)
	}

	record := &models.CancellationRecord{
		ID:                   uuid.New(),
		JobID:                jobID,
		FulfillerID:          fulfillerID,
		CancelledAt:          now,
		HoursSinceAcceptance: hours,
		FeeAmount:            fee,
		DailyIndex:           dailyIndex,
		SuspensionDays:       suspensionDays,
	}

	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		if fee > 0 {
			debit, err := models.NewTransaction(fulfillerID, models.RoleFulfiller, models.TxTypeFeeDebit, fee, &jobID, "cancellation fee")
			if err != nil {
				return err
			}
			debit.PolicyVersion = &snap.Version
			debit.Rating = &fulfillerRating
			if err := s.ledger.DebitInTx(ctx, tx, debit); err != nil {
				return err
			}
		}
		ok, err := s.escrows.Unassign(ctx, tx, jobID, fulfillerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForbidden
		}
		return s.store.Insert(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	if fee > 0 {
		s.log.Info("cancellation fee charged",
			"job_id", jobID, "fulfiller_id", fulfillerID, "fee", fee,
			"hours_since_acceptance", hours, "daily_index", dailyIndex)
	}
	return &Result{
		FeeCharged:           fee,
		DailyIndex:           dailyIndex,
		HoursSinceAcceptance: hours,
		SuspensionDays:       suspensionDays,
		PolicyVersion:        snap.Version,
	}, nil
}

// startOfDay truncates to the UTC calendar day the daily allowance is
// counted over.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func lockKey(fulfillerID uuid.UUID) string {
	return "pointledger:lock:cancel:" + fulfillerID.String()
}

var _ EscrowAccess = (*escrow.Repository)(nil)
