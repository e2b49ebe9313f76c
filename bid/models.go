package bid

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Bid is a mechanic's offer on a job. Price is in cents.
type Bid struct {
	ID                string
	JobID             string
	MechanicID        string
	Price             int64
	EstimatedDuration int // minutes
	Message           string
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
