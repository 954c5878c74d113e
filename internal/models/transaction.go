package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transaction tx_type enums. Credits carry positive amounts, debits negative.
const (
	TxTypeTopup              = "topup"
	TxTypeEscrowDebit        = "escrow_debit"
	TxTypeReleaseCredit      = "release_credit"
	TxTypeRefundCredit       = "refund_credit"
	TxTypeCompensationCredit = "compensation_credit"
	TxTypeWithdrawalDebit    = "withdrawal_debit"
	TxTypeFeeDebit           = "fee_debit"
)

// Transaction statuses. A completed row is immutable; corrections happen
// via new compensating rows, never by editing amounts in place.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// ErrInvalidTransaction is returned by transaction constructors when a
// required field for the given tx_type is missing or malformed.
var ErrInvalidTransaction = errors.New("invalid transaction")

// PointTransaction is one append-only ledger log record. BalanceAfter is
// the account balance snapshot taken when the paired mutation was applied.
type PointTransaction struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Role          string     `json:"role"`
	TxType        string     `json:"tx_type"`
	Amount        int64      `json:"amount"`
	BalanceAfter  int64      `json:"balance_after"`
	JobID         *uuid.UUID `json:"job_id,omitempty"`
	Status        string     `json:"status"`
	Description   string     `json:"description,omitempty"`
	RequestID     *string    `json:"request_id,omitempty"`
	PolicyVersion *int       `json:"policy_version,omitempty"`
	Rating        *float64   `json:"rating,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsCredit reports whether t increases the balance (receipt-category types).
func (t *PointTransaction) IsCredit() bool {
	return CreditTxType(t.TxType)
}

// CreditTxType reports whether txType belongs to the receipt category used
// for lifetime totals-in; the remaining types are debits (totals-out).
func CreditTxType(txType string) bool {
	switch txType {
	case TxTypeTopup, TxTypeReleaseCredit, TxTypeRefundCredit, TxTypeCompensationCredit:
		return true
	}
	return false
}

// NewTransaction validates the (type, fields) combination up front so a
// malformed record can never reach the store. Amount is the magnitude;
// the sign is derived from the tx_type category.
func NewTransaction(userID uuid.UUID, role, txType string, amount int64, jobID *uuid.UUID, description string) (*PointTransaction, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidTransaction, role)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTransaction, amount)
	}
	switch txType {
	case TxTypeTopup, TxTypeWithdrawalDebit:
		if jobID != nil {
			return nil, fmt.Errorf("%w: %s must not reference a job", ErrInvalidTransaction, txType)
		}
	case TxTypeEscrowDebit, TxTypeReleaseCredit, TxTypeCompensationCredit, TxTypeFeeDebit:
		if jobID == nil || *jobID == uuid.Nil {
			return nil, fmt.Errorf("%w: %s requires a job id", ErrInvalidTransaction, txType)
		}
	case TxTypeRefundCredit:
		// Reverses either an escrow debit (job-scoped) or a rejected
		// withdrawal (no job), so the job id stays optional.
	default:
		return nil, fmt.Errorf("%w: unknown tx_type %q", ErrInvalidTransaction, txType)
	}
	signed := amount
	if !CreditTxType(txType) {
		signed = -amount
	}
	return &PointTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Role:        role,
		TxType:      txType,
		Amount:      signed,
		JobID:       jobID,
		Status:      TxStatusCompleted,
		Description: description,
	}, nil
}
