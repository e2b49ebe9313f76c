package changeorder

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

const DefaultTTL = 24 * time.Hour

// ChangeOrder is a mechanic's request for extra money on an in-progress job.
type ChangeOrder struct {
	ID          string
	JobID       string
	RequestedBy string
	Amount      int64
	Description string
	Status      Status
	CreatedAt   time.Time
	RespondedAt *time.Time
	ExpiresAt   time.Time
}
