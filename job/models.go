package job

import "time"

type Status string

const (
	StatusPosted     Status = "posted"
	StatusBidding    Status = "bidding"
	StatusAccepted   Status = "accepted"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPaid       Status = "paid"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Job mirrors the jobs table. Amounts are in minor currency units.
type Job struct {
	ID                   string
	CustomerID           string
	MechanicID           *string
	Category             string
	Description          string
	VehicleRef           string
	Location             string
	Urgency              Urgency
	EstimatedCost        int64
	FinalCost            *int64
	AdditionalWorkAmount int64
	Status               Status
	CancelReason         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ScheduledAt          *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time
}

// HasMechanic reports whether mechanicID is assigned to the job.
func (j Job) HasMechanic(mechanicID string) bool {
	return j.MechanicID != nil && *j.MechanicID == mechanicID
}

// Counterparty returns the other participant of the job, or "" when userID
// is not a participant or no mechanic is assigned yet.
func (j Job) Counterparty(userID string) string {
	switch {
	case userID == j.CustomerID && j.MechanicID != nil:
		return *j.MechanicID
	case j.HasMechanic(userID):
		return j.CustomerID
	default:
		return ""
	}
}

// StatusUpdate describes a compare-and-swap on the job status. Optional
// fields are written only when non-nil.
type StatusUpdate struct {
	ID            string
	From          Status
	To            Status
	At            time.Time
	MechanicID    *string
	ClearMechanic bool
	ScheduledAt   *time.Time
	FinalCost     *int64
	CancelReason  *string
}

type Filters struct {
	CustomerID string
	MechanicID string
	OpenOnly   bool
	Page       int
	PageSize   int
}
