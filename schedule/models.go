package schedule

import "time"

// Party identifies which side of the job made a proposal.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyMechanic Party = "mechanic"
)

type Status string

const (
	StatusProposed   Status = "proposed"
	StatusConfirmed  Status = "confirmed"
	StatusDeclined   Status = "declined"
	StatusExpired    Status = "expired"
	StatusSuperseded Status = "superseded"
)

// DefaultProposalTTL bounds how long a proposal may stay unanswered.
const DefaultProposalTTL = 48 * time.Hour

type Proposal struct {
	ID                  string
	JobID               string
	ProposedBy          Party
	ProposerID          string
	StartsAt            time.Time
	EstimatedDuration   int // minutes
	SpecialInstructions string
	Status              Status
	DeclineReason       *string
	CreatedAt           time.Time
	RespondedAt         *time.Time
}
