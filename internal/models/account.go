package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Every balance is keyed by (user, role) so a user who both
// requests and fulfills jobs keeps two independent point balances.
const (
	RoleRequester = "requester"
	RoleFulfiller = "fulfiller"
)

// ValidRole reports whether role is one of the known account roles.
func ValidRole(role string) bool {
	return role == RoleRequester || role == RoleFulfiller
}

// PointAccount is a per-(user, role) prepaid balance in minor currency units.
// Rows are created implicitly on first transaction and never deleted.
type PointAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceDetail is a derived view: the stored balance plus lifetime totals
// recomputed from the transaction log, never stored separately.
type BalanceDetail struct {
	UserID   uuid.UUID `json:"user_id"`
	Role     string    `json:"role"`
	Balance  int64     `json:"balance"`
	TotalIn  int64     `json:"total_in"`
	TotalOut int64     `json:"total_out"`
}
