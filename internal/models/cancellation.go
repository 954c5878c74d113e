package models

import (
	"time"

	"github.com/google/uuid"
)

// CancellationRecord is one append-only audit row per fulfiller cancellation.
// DailyIndex is the 1-based position of this cancellation within the
// fulfiller's calendar day at the time it was recorded.
type CancellationRecord struct {
	ID                   uuid.UUID `json:"id"`
	JobID                uuid.UUID `json:"job_id"`
	FulfillerID          uuid.UUID `json:"fulfiller_id"`
	CancelledAt          time.Time `json:"cancelled_at"`
	HoursSinceAcceptance float64   `json:"hours_since_acceptance"`
	FeeAmount            int64     `json:"fee_amount"`
	DailyIndex           int       `json:"daily_index"`
	SuspensionDays       int       `json:"suspension_days"`
}
