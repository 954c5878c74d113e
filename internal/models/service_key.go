package models

import (
	"time"

	"github.com/google/uuid"
)

// ServiceKey authenticates a collaborating service (job workflow, payment
// gateway callback, reporting). Only the SHA-256 hash of the key is stored.
type ServiceKey struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
