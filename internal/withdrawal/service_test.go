package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeWithdrawalStore struct {
	mu          sync.Mutex
	withdrawals map[uuid.UUID]*models.Withdrawal
}

func newFakeWithdrawalStore() *fakeWithdrawalStore {
	return &fakeWithdrawalStore{withdrawals: make(map[uuid.UUID]*models.Withdrawal)}
}

func (f *fakeWithdrawalStore) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeWithdrawalStore) Insert(_ context.Context, _ pgx.Tx, w *models.Withdrawal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.CreatedAt = time.Now().UTC()
	cp := *w
	f.withdrawals[w.ID] = &cp
	return nil
}

func (f *fakeWithdrawalStore) Get(_ context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWithdrawalStore) MarkResolved(_ context.Context, _ pgx.Tx, id uuid.UUID, toStatus string, bankRef, rejectReason *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[id]
	if !ok || w.Status != models.WithdrawalStatusPending {
		return false, nil
	}
	w.Status = toStatus
	w.BankRef = bankRef
	w.RejectReason = rejectReason
	now := time.Now().UTC()
	w.ResolvedAt = &now
	return true, nil
}

type fakeLedgerStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	txs      map[uuid.UUID]*models.PointTransaction
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{
		balances: make(map[uuid.UUID]int64),
		txs:      make(map[uuid.UUID]*models.PointTransaction),
	}
}

func (f *fakeLedgerStore) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeLedgerStore) ApplyCredit(_ context.Context, _ pgx.Tx, t *models.PointTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[t.UserID] += t.Amount
	t.BalanceAfter = f.balances[t.UserID]
	if t.Status == "" {
		t.Status = models.TxStatusCompleted
	}
	cp := *t
	f.txs[t.ID] = &cp
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
	if t.Status == "" {
		t.Status = models.TxStatusCompleted
	}
	cp := *t
	f.txs[t.ID] = &cp
	return nil
}

func (f *fakeLedgerStore) CompleteTransaction(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[id]
	if !ok || t.Status != models.TxStatusPending {
		return ledger.ErrNotFound
	}
	t.Status = models.TxStatusCompleted
	return nil
}

// FailTransaction mirrors the repository: failing a pending row reverses
// the balance effect it had.
func (f *fakeLedgerStore) FailTransaction(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[id]
	if !ok || t.Status != models.TxStatusPending {
		return ledger.ErrNotFound
	}
	t.Status = models.TxStatusFailed
	f.balances[t.UserID] -= t.Amount
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

func (f *fakeLedgerStore) txStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.txs[id]; ok {
		return t.Status
	}
	return ""
}

func (f *fakeLedgerStore) completedSum(userID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, t := range f.txs {
		if t.UserID == userID && t.Status == models.TxStatusCompleted {
			sum += t.Amount
		}
	}
	return sum
}

type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeOutbox) AddInTx(_ context.Context, _ pgx.Tx, topic, _ string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

const testSecret = "test-payout-secret"

type harness struct {
	store   *fakeWithdrawalStore
	ledgers *fakeLedgerStore
	outbox  *fakeOutbox
	svc     Service
}

func newHarness(secret string) *harness {
	store := newFakeWithdrawalStore()
	ledgers := newFakeLedgerStore()
	ob := &fakeOutbox{}
	svc := NewService(store, ledger.NewService(ledgers), ob, secret, nil)
	return &harness{store: store, ledgers: ledgers, outbox: ob, svc: svc}
}

func (h *harness) fund(userID uuid.UUID, amount int64) {
	h.ledgers.mu.Lock()
	h.ledgers.balances[userID] = amount
	h.ledgers.mu.Unlock()
}

func confirmationToken(t *testing.T, withdrawalID uuid.UUID, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"withdrawal_id": withdrawalID.String(),
		"exp":           time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRequestDebitsImmediately(t *testing.T) {
	h := newHarness(testSecret)
	user := uuid.New()
	h.fund(user, 10000)

	w, err := h.svc.Request(context.Background(), user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	balance, _ := h.ledgers.GetBalance(nil, user, models.RoleFulfiller)
	if balance != 4000 {
		t.Errorf("balance after request: got %d, want 4000", balance)
	}
	if got := h.ledgers.txStatus(w.TransactionID); got != models.TxStatusPending {
		t.Errorf("debit status: got %q, want pending", got)
	}

	// The held amount cannot be withdrawn a second time.
	if _, err := h.svc.Request(context.Background(), user, models.RoleFulfiller, 5000); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("double spend: got %v, want ErrInsufficientFunds", err)
	}
}

func TestApproveCompletesTransaction(t *testing.T) {
	h := newHarness(testSecret)
	user := uuid.New()
	h.fund(user, 10000)
	ctx := context.Background()

	w, err := h.svc.Request(ctx, user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	token := confirmationToken(t, w.ID, testSecret)
	if err := h.svc.Approve(ctx, w.ID, "bank-tx-42", token); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	got, err := h.svc.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.WithdrawalStatusApproved {
		t.Errorf("status: got %q, want approved", got.Status)
	}
	if got.BankRef == nil || *got.BankRef != "bank-tx-42" {
		t.Error("bank ref should be recorded")
	}
	if s := h.ledgers.txStatus(w.TransactionID); s != models.TxStatusCompleted {
		t.Errorf("debit status: got %q, want completed", s)
	}
	balance, _ := h.ledgers.GetBalance(nil, user, models.RoleFulfiller)
	if balance != 4000 {
		t.Errorf("balance after approval: got %d, want 4000", balance)
	}
	if len(h.outbox.topics) != 1 || h.outbox.topics[0] != models.EventWithdrawalApproved {
		t.Error("approval should write one outbox event")
	}

	// Approving again is a no-op.
	if err := h.svc.Approve(ctx, w.ID, "bank-tx-42", token); err != nil {
		t.Fatalf("Approve retry: %v", err)
	}
	if len(h.outbox.topics) != 1 {
		t.Error("retry must not write a second event")
	}
	// Rejecting an approved withdrawal is a conflict.
	if err := h.svc.Reject(ctx, w.ID, "too late"); !errors.Is(err, ErrConflict) {
		t.Errorf("reject after approve: got %v, want ErrConflict", err)
	}
}

func TestApproveRejectsBadConfirmation(t *testing.T) {
	h := newHarness(testSecret)
	user := uuid.New()
	h.fund(user, 10000)
	ctx := context.Background()

	w, err := h.svc.Request(ctx, user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Token bound to a different withdrawal.
	if err := h.svc.Approve(ctx, w.ID, "ref", confirmationToken(t, uuid.New(), testSecret)); !errors.Is(err, ErrBadConfirmation) {
		t.Errorf("wrong withdrawal id: got %v, want ErrBadConfirmation", err)
	}
	// Token signed with the wrong key.
	if err := h.svc.Approve(ctx, w.ID, "ref", confirmationToken(t, w.ID, "other-secret")); !errors.Is(err, ErrBadConfirmation) {
		t.Errorf("wrong key: got %v, want ErrBadConfirmation", err)
	}
	// Garbage token.
	if err := h.svc.Approve(ctx, w.ID, "ref", "not-a-jwt"); !errors.Is(err, ErrBadConfirmation) {
		t.Errorf("garbage token: got %v, want ErrBadConfirmation", err)
	}

	got, _ := h.svc.Get(ctx, w.ID)
	if got.Status != models.WithdrawalStatusPending {
		t.Errorf("withdrawal must stay pending, got %q", got.Status)
	}
}

func TestApproveWithoutSecretSkipsVerification(t *testing.T) {
	h := newHarness("")
	user := uuid.New()
	h.fund(user, 10000)
	ctx := context.Background()

	w, err := h.svc.Request(ctx, user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.svc.Approve(ctx, w.ID, "ref", ""); err != nil {
		t.Fatalf("Approve without secret: %v", err)
	}
}

func TestRejectRestoresBalance(t *testing.T) {
	h := newHarness(testSecret)
	user := uuid.New()
	h.fund(user, 10000)
	ctx := context.Background()

	w, err := h.svc.Request(ctx, user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.svc.Reject(ctx, w.ID, "bank account invalid"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	got, _ := h.svc.Get(ctx, w.ID)
	if got.Status != models.WithdrawalStatusRejected {
		t.Errorf("status: got %q, want rejected", got.Status)
	}
	if got.RejectReason == nil || *got.RejectReason != "bank account invalid" {
		t.Error("reject reason should be recorded")
	}
	if s := h.ledgers.txStatus(w.TransactionID); s != models.TxStatusFailed {
		t.Errorf("debit status: got %q, want failed", s)
	}
	// Failing the debit reverses its hold on the balance.
	balance, _ := h.ledgers.GetBalance(nil, user, models.RoleFulfiller)
	if balance != 10000 {
		t.Errorf("balance after rejection: got %d, want 10000", balance)
	}

	// Rejecting again is a no-op; approving now is a conflict.
	if err := h.svc.Reject(ctx, w.ID, "bank account invalid"); err != nil {
		t.Fatalf("Reject retry: %v", err)
	}
	balance, _ = h.ledgers.GetBalance(nil, user, models.RoleFulfiller)
	if balance != 10000 {
		t.Errorf("balance after reject retry: got %d, want 10000", balance)
	}
	token := confirmationToken(t, w.ID, testSecret)
	if err := h.svc.Approve(ctx, w.ID, "ref", token); !errors.Is(err, ErrConflict) {
		t.Errorf("approve after reject: got %v, want ErrConflict", err)
	}
}

func TestRejectKeepsCompletedLogConsistent(t *testing.T) {
	h := newHarness(testSecret)
	user := uuid.New()
	ctx := context.Background()

	// Seed the balance through a real top-up so the completed log starts
	// consistent with it.
	if _, err := ledger.NewService(h.ledgers).Topup(ctx, user, models.RoleFulfiller, 10000, "pay-1", "top-up"); err != nil {
		t.Fatalf("Topup: %v", err)
	}
	w, err := h.svc.Request(ctx, user, models.RoleFulfiller, 6000)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := h.svc.Reject(ctx, w.ID, "bank account invalid"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	balance, _ := h.ledgers.GetBalance(nil, user, models.RoleFulfiller)
	if balance != 10000 {
		t.Errorf("balance after rejection: got %d, want 10000", balance)
	}
	// The failed debit drops out of replay: summing completed rows must
	// reproduce the balance exactly.
	if sum := h.ledgers.completedSum(user); sum != balance {
		t.Errorf("completed transactions sum to %d, balance is %d", sum, balance)
	}
	if s := h.ledgers.txStatus(w.TransactionID); s != models.TxStatusFailed {
		t.Errorf("debit status: got %q, want failed", s)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(testSecret)
	ctx := context.Background()

	if _, err := h.svc.Request(ctx, uuid.New(), models.RoleFulfiller, 0); !errors.Is(err, models.ErrInvalidTransaction) {
		t.Errorf("zero amount: got %v, want ErrInvalidTransaction", err)
	}
	if _, err := h.svc.Request(ctx, uuid.New(), "merchant", 100); !errors.Is(err, models.ErrInvalidTransaction) {
		t.Errorf("unknown role: got %v, want ErrInvalidTransaction", err)
	}
	unknown := uuid.New()
	if err := h.svc.Approve(ctx, unknown, "ref", confirmationToken(t, unknown, testSecret)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}
