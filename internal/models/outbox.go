package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox message statuses.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// Settlement event topics published through the outbox.
const (
	EventEscrowReleased     = "escrow.released"
	EventEscrowRefunded     = "escrow.refunded"
	EventEscrowCompensated  = "escrow.compensated"
	EventWithdrawalApproved = "withdrawal.approved"
)

// OutboxMessage is written in the same database transaction as the
// settlement it describes and drained to Kafka by a background sender.
type OutboxMessage struct {
	ID         uuid.UUID       `json:"id"`
	Topic      string          `json:"topic"`
	MessageKey string          `json:"message_key"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
}
