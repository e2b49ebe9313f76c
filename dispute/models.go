package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Active reports whether the dispute still blocks the job.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

type Type string

const (
	TypeWorkNotCompleted Type = "work_not_completed"
	TypePoorQuality      Type = "poor_quality"
	TypeOvercharged      Type = "overcharged"
	TypeDamageCaused     Type = "damage_caused"
	TypeNoShow           Type = "no_show"
	TypeOther            Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeWorkNotCompleted, TypePoorQuality, TypeOvercharged, TypeDamageCaused, TypeNoShow, TypeOther:
		return true
	}
	return false
}

// Outcome is the support decision that closes a dispute.
type Outcome string

const (
	OutcomeReleaseToMechanic Outcome = "release_to_mechanic"
	OutcomeRefundCustomer    Outcome = "refund_customer"
	OutcomeReject            Outcome = "reject"
)

func (o Outcome) Valid() bool {
	return o == OutcomeReleaseToMechanic || o == OutcomeRefundCustomer || o == OutcomeReject
}

// ClosingStatus is the dispute status an outcome leads to.
func (o Outcome) ClosingStatus() Status {
	if o == OutcomeReject {
		return StatusRejected
	}
	return StatusResolved
}

// Record mirrors the disputes table.
type Record struct {
	ID              string
	JobID           string
	PaymentID       *string
	OpenedBy        string
	Type            Type
	Description     string
	EvidenceRefs    []string
	Status          Status
	Outcome         *Outcome
	ResolutionNote  *string
	ResolvedBy      *string
	JobStatusAtOpen string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// Resolution closes a dispute.
type Resolution struct {
	ID         string
	From       Status
	Outcome    Outcome
	Note       string
	ResolvedBy string
	At         time.Time
}
