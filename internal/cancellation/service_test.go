package cancellation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
	"github.com/pointledger/backend/internal/policy"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeCancelStore struct {
	mu      sync.Mutex
	records []*models.CancellationRecord
}

func (f *fakeCancelStore) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeCancelStore) Insert(_ context.Context, _ pgx.Tx, rec *models.CancellationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records = append(f.records, &cp)
	return nil
}

func (f *fakeCancelStore) CountSince(_ context.Context, fulfillerID uuid.UUID, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.FulfillerID == fulfillerID && !r.CancelledAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type fakeEscrows struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.EscrowRecord
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{records: make(map[uuid.UUID]*models.EscrowRecord)}
}

func (f *fakeEscrows) Get(_ context.Context, jobID uuid.UUID) (*models.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, errors.New("escrow record not found")
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeEscrows) Unassign(_ context.Context, _ pgx.Tx, jobID, fulfillerID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok || rec.Status != models.EscrowStatusPending || rec.FulfillerID == nil || *rec.FulfillerID != fulfillerID {
		return false, nil
	}
	rec.FulfillerID = nil
	rec.FulfillerRating = nil
	rec.AcceptedAt = nil
	return true, nil
}

func (f *fakeEscrows) assigned(jobID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[jobID].FulfillerID != nil
}

type passthroughLock struct{}

func (passthroughLock) WithLock(_ context.Context, _ string, fn func() error) error {
	return fn()
}

type fakeLedgerStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	debits   []*models.PointTransaction
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{balances: make(map[uuid.UUID]int64)}
}

func (f *fakeLedgerStore) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeLedgerStore) ApplyCredit(_ context.Context, _ pgx.Tx, t *models.PointTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[t.UserID] += t.Amount
	t.BalanceAfter = f.balances[t.UserID]
	return nil
}

func (f *fakeLedgerStore) ApplyDebit(_ context.Context, _ pgx.Tx, t *models.PointTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[t.UserID] < -t.Amount {
		return ledger.ErrInsufficientFunds
	}
	f.balances[t.UserID] += t.Amount
	t.BalanceAfter = f.balances[t.UserID]
	cp := *t
	f.debits = append(f.debits, &cp)
	return nil
}

func (f *fakeLedgerStore) CompleteTransaction(_ context.Context, _ pgx.Tx, _ uuid.UUID) error {
	return nil
}

func (f *fakeLedgerStore) FailTransaction(_ context.Context, _ pgx.Tx, _ uuid.UUID) error {
	return nil
}

func (f *fakeLedgerStore) GetBalance(_ context.Context, userID uuid.UUID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedgerStore) GetBalanceDetail(_ context.Context, userID uuid.UUID, role string) (*models.BalanceDetail, error) {
	balance, _ := f.GetBalance(nil, userID, role)
	return &models.BalanceDetail{UserID: userID, Role: role, Balance: balance}, nil
}

func (f *fakeLedgerStore) History(_ context.Context, _ uuid.UUID, _ string, _ time.Time) ([]*models.PointTransaction, error) {
	return nil, nil
}

func (f *fakeLedgerStore) FindByRequestID(_ context.Context, _ string) (*models.PointTransaction, error) {
	return nil, nil
}

type fixedPolicy struct {
	snap *policy.Snapshot
}

func (p fixedPolicy) Current() *policy.Snapshot { return p.snap }

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

type harness struct {
	store   *fakeCancelStore
	escrows *fakeEscrows
	ledgers *fakeLedgerStore
	svc     Service
}

func newHarness() *harness {
	store := &fakeCancelStore{}
	escrows := newFakeEscrows()
	ledgers := newFakeLedgerStore()
	svc := NewService(store, escrows, ledger.NewService(ledgers), fixedPolicy{policy.DefaultSnapshot()}, passthroughLock{}, nil)
	return &harness{store: store, escrows: escrows, ledgers: ledgers, svc: svc}
}

// assignJob seeds a pending, assigned escrow accepted the given duration ago.
func (h *harness) assignJob(fulfillerID uuid.UUID, sinceAcceptance time.Duration) uuid.UUID {
	jobID := uuid.New()
	accepted := time.Now().UTC().Add(-sinceAcceptance)
	rating := 4.0
	h.escrows.mu.Lock()
	h.escrows.records[jobID] = &models.EscrowRecord{
		JobID:           jobID,
		RequesterID:     uuid.New(),
		FulfillerID:     &fulfillerID,
		FulfillerRating: &rating,
		Amount:          100000,
		Status:          models.EscrowStatusPending,
		AcceptedAt:      &accepted,
	}
	h.escrows.mu.Unlock()
	return jobID
}

func (h *harness) fund(fulfillerID uuid.UUID, amount int64) {
	h.ledgers.mu.Lock()
	h.ledgers.balances[fulfillerID] = amount
	h.ledgers.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCancelFreeInsideAllowances(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	job := h.assignJob(fulfiller, 23*time.Hour)

	result, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.FeeCharged != 0 {
		t.Errorf("fee at 23h, first of the day: got %d, want 0", result.FeeCharged)
	}
	if result.DailyIndex != 1 {
		t.Errorf("daily index: got %d, want 1", result.DailyIndex)
	}
	if result.SuspensionDays != 0 {
		t.Errorf("suspension on a free cancellation: got %d, want 0", result.SuspensionDays)
	}
	if h.escrows.assigned(job) {
		t.Error("job should be unassigned after cancellation")
	}
	if len(h.ledgers.debits) != 0 {
		t.Errorf("ledger debits: got %d, want 0", len(h.ledgers.debits))
	}
}

func TestCancelChargedPastTimeWindow(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	job := h.assignJob(fulfiller, 25*time.Hour)
	h.fund(fulfiller, 10000)

	result, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// 10% of the 50000 reference amount.
	if result.FeeCharged != 5000 {
		t.Errorf("fee at 25h: got %d, want 5000", result.FeeCharged)
	}
	balance, _ := h.ledgers.GetBalance(nil, fulfiller, models.RoleFulfiller)
	if balance != 5000 {
		t.Errorf("fulfiller balance: got %d, want 5000", balance)
	}
	if len(h.ledgers.debits) != 1 || h.ledgers.debits[0].TxType != models.TxTypeFeeDebit {
		t.Error("exactly one fee_debit should be recorded")
	}
}

func TestCancelChargedPastDailyAllowance(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	h.fund(fulfiller, 100000)

	// Three free same-day cancellations, all well inside the time window.
	for i := 0; i < 3; i++ {
		job := h.assignJob(fulfiller, time.Hour)
		result, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
		if err != nil {
			t.Fatalf("Cancel %d: %v", i+1, err)
		}
		if result.FeeCharged != 0 {
			t.Errorf("cancellation %d should be free, charged %d", i+1, result.FeeCharged)
		}
		if result.DailyIndex != i+1 {
			t.Errorf("daily index: got %d, want %d", result.DailyIndex, i+1)
		}
	}

	// The fourth of the day is charged even though it is quick.
	job := h.assignJob(fulfiller, time.Hour)
	result, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
	if err != nil {
		t.Fatalf("fourth Cancel: %v", err)
	}
	if result.DailyIndex != 4 {
		t.Errorf("daily index: got %d, want 4", result.DailyIndex)
	}
	if result.FeeCharged != 5000 {
		t.Errorf("fourth cancellation fee: got %d, want 5000", result.FeeCharged)
	}
}

func TestCancelBothAllowancesExceededChargesOnce(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	h.fund(fulfiller, 100000)

	for i := 0; i < 3; i++ {
		job := h.assignJob(fulfiller, time.Hour)
		if _, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000); err != nil {
			t.Fatalf("Cancel %d: %v", i+1, err)
		}
	}

	// Fourth of the day and past the 24h window; still one fee.
	job := h.assignJob(fulfiller, 30*time.Hour)
	result, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.FeeCharged != 5000 {
		t.Errorf("fee: got %d, want 5000", result.FeeCharged)
	}
	if len(h.ledgers.debits) != 1 {
		t.Errorf("fee debits: got %d, want 1", len(h.ledgers.debits))
	}
}

func TestCancelInsufficientFundsKeepsAssignment(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	job := h.assignJob(fulfiller, 25*time.Hour)
	h.fund(fulfiller, 100)

	_, err := h.svc.Cancel(context.Background(), job, fulfiller, 4.0, 50000)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Cancel without funds: got %v, want ErrInsufficientFunds", err)
	}
	if !h.escrows.assigned(job) {
		t.Error("failed cancellation must keep the assignment")
	}
	if n, _ := h.store.CountSince(nil, fulfiller, time.Time{}); n != 0 {
		t.Errorf("cancellation records: got %d, want 0", n)
	}
}

func TestCancelSuspensionFollowsRating(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	job := h.assignJob(fulfiller, 25*time.Hour)
	h.fund(fulfiller, 100000)

	// Rating 1.5 lands in the 7-day suspension band.
	result, err := h.svc.Cancel(context.Background(), job, fulfiller, 1.5, 50000)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.SuspensionDays != 7 {
		t.Errorf("suspension days: got %d, want 7", result.SuspensionDays)
	}
}

func TestCancelForbiddenCases(t *testing.T) {
	h := newHarness()
	fulfiller := uuid.New()
	job := h.assignJob(fulfiller, time.Hour)
	ctx := context.Background()

	// Someone other than the assigned fulfiller.
	if _, err := h.svc.Cancel(ctx, job, uuid.New(), 4.0, 50000); !errors.Is(err, ErrForbidden) {
		t.Errorf("other fulfiller: got %v, want ErrForbidden", err)
	}

	// Already-resolved escrow.
	h.escrows.mu.Lock()
	h.escrows.records[job].Status = models.EscrowStatusReleased
	h.escrows.mu.Unlock()
	if _, err := h.svc.Cancel(ctx, job, fulfiller, 4.0, 50000); !errors.Is(err, ErrForbidden) {
		t.Errorf("resolved escrow: got %v, want ErrForbidden", err)
	}

	// Bad reference amount.
	if _, err := h.svc.Cancel(ctx, job, fulfiller, 4.0, 0); !errors.Is(err, models.ErrInvalidTransaction) {
		t.Errorf("zero reference amount: got %v, want ErrInvalidTransaction", err)
	}
}
