package models

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal statuses. A pending withdrawal has already debited the
// available balance (as a pending withdrawal_debit transaction); approval
// completes that transaction, rejection fails it and restores the balance
// with a compensating credit.
const (
	WithdrawalStatusPending  = "pending"
	WithdrawalStatusApproved = "approved"
	WithdrawalStatusRejected = "rejected"
)

// Withdrawal is a requested transfer of points out to a bank account. The
// transfer itself happens at an external payout provider; the ledger only
// consumes its success/failure signal.
type Withdrawal struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Role          string     `json:"role"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	BankRef       *string    `json:"bank_ref,omitempty"`
	RejectReason  *string    `json:"reject_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}
