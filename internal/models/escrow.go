package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow record statuses. pending is the only non-terminal state; terminal
// states are final and re-resolution is either an idempotent no-op or a
// conflict, never a second payout.
const (
	EscrowStatusPending     = "pending"
	EscrowStatusReleased    = "released"
	EscrowStatusRefunded    = "refunded"
	EscrowStatusCompensated = "compensated"
)

// Compensation types for "fulfiller showed up, requester-side precondition
// failed" flows. Each type may be applied at most once per job.
const (
	CompensationProductNotReady = "product_not_ready"
	CompensationCustomerAbsent  = "customer_absent"
	CompensationScheduleChanged = "schedule_changed"
)

// ValidCompensationType reports whether t names a known compensation case.
func ValidCompensationType(t string) bool {
	switch t {
	case CompensationProductNotReady, CompensationCustomerAbsent, CompensationScheduleChanged:
		return true
	}
	return false
}

// EscrowRecord holds a requester's funds for one job until its outcome is
// known. CommissionFee and RequesterRating are recorded at funding time so
// a later refund returns exactly what was debited, regardless of policy or
// rating changes in between.
type EscrowRecord struct {
	JobID            uuid.UUID  `json:"job_id"`
	RequesterID      uuid.UUID  `json:"requester_id"`
	FulfillerID      *uuid.UUID `json:"fulfiller_id,omitempty"`
	Amount           int64      `json:"amount"`
	CommissionFee    int64      `json:"commission_fee"`
	RequesterRating  float64    `json:"requester_rating"`
	FulfillerRating  *float64   `json:"fulfiller_rating,omitempty"`
	PolicyVersion    int        `json:"policy_version"`
	Status           string     `json:"status"`
	CompensatedTotal int64      `json:"compensated_total"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	DisputeDeadline  time.Time  `json:"dispute_deadline"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Terminal reports whether the record has left pending.
func (e *EscrowRecord) Terminal() bool {
	return e.Status != EscrowStatusPending
}
